package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/logging"
	"github.com/guildhall/economy/internal/notification"
)

func newTestService() (*Service, ledger.Ledger) {
	led := ledger.NewInMemory()
	return NewService(led, notification.Discard{}, logging.Discard()), led
}

func TestServiceGrantCreatesWallet(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Balance(ctx, "player-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found before first credit, got %v", err)
	}

	bal, err := svc.Grant(ctx, AdjustInput{OwnerID: "player-1", ActorID: "missions", Amount: 250, IdempotencyKey: "mission-42"})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if bal.Gold != 250 {
		t.Fatalf("expected 250, got %d", bal.Gold)
	}

	_, err = svc.Grant(ctx, AdjustInput{OwnerID: "player-1", ActorID: "missions", Amount: 250, IdempotencyKey: "mission-42"})
	if !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate on replay, got %v", err)
	}

	history, err := svc.History(ctx, "player-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Reason != ledger.ReasonGrant {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestServiceChargeFastFailsOnInsufficientFunds(t *testing.T) {
	svc, led := newTestService()
	ctx := context.Background()
	ledger.SeedWallet(led, "player-1", 100)

	_, err := svc.Charge(ctx, AdjustInput{OwnerID: "player-1", ActorID: "shop", Amount: 150, IdempotencyKey: "k1"})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	bal, err := svc.Charge(ctx, AdjustInput{OwnerID: "player-1", ActorID: "shop", Amount: 60, IdempotencyKey: "k2"})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if bal.Gold != 40 {
		t.Fatalf("expected 40, got %d", bal.Gold)
	}
}

func TestServiceRequiresIdempotencyKey(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Grant(context.Background(), AdjustInput{OwnerID: "p", ActorID: "a", Amount: 1})
	if !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
