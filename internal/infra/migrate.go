package infra

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

// Migration is one embedded schema file.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// Migrations lists the embedded migrations in apply order. File names follow
// {version}_{name}.up.sql.
func Migrations() ([]Migration, error) {
	names, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]Migration, 0, len(names))
	for _, path := range names {
		raw, err := migrationFiles.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		file := strings.TrimPrefix(path, "migrations/")
		version, _, found := strings.Cut(file, "_")
		if !found {
			return nil, fmt.Errorf("migration %s: missing version prefix", file)
		}
		out = append(out, Migration{Version: version, Name: file, SQL: string(raw)})
	}
	return out, nil
}

// Migrate applies pending embedded migrations, each in its own transaction,
// and returns how many ran.
func Migrate(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger) (int, error) {
	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version    TEXT PRIMARY KEY,
        filename   TEXT NOT NULL,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	migrations, err := Migrations()
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		logger.Info("applying migration", slog.String("file", m.Name))
		err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("exec migration %s: %w", m.Name, err)
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}
