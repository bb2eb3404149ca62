package infra

import (
	"strings"
	"testing"
)

func TestMigrationsAreOrderedAndVersioned(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if len(migrations) < 3 {
		t.Fatalf("expected at least 3 migrations, got %d", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Name, migrations[i].Name)
		}
	}
	if !strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS wallets") {
		t.Fatalf("first migration should create wallets")
	}
}
