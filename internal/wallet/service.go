package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/notification"
)

const maxHistory = 200

// Service exposes wallet operations backed by the ledger.
type Service struct {
	ledger   ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(l ledger.Ledger, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{ledger: l, notifier: notifier, logger: logger}
}

// Balance returns the current gold for ownerID.
func (s *Service) Balance(ctx context.Context, ownerID string) (Balance, error) {
	gold, err := s.ledger.WalletBalance(ctx, ownerID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{OwnerID: ownerID, Gold: gold, AsOf: time.Now().UTC()}, nil
}

// History returns the most recent ledger entries of a wallet, oldest first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	return s.ledger.Entries(ctx, ledger.EntryFilter{Account: ledger.AccountWallet, AccountID: ownerID, Limit: limit})
}

// Inventory returns item quantities the owner can list or use.
func (s *Service) Inventory(ctx context.Context, ownerID string) (map[string]int64, error) {
	return s.ledger.Inventory(ctx, ownerID)
}

// Grant credits gold to a wallet, creating it when absent.
func (s *Service) Grant(ctx context.Context, in AdjustInput) (Balance, error) {
	if err := validateAdjust(in); err != nil {
		return Balance{}, err
	}
	reason := firstNonEmpty(in.Reason, ledger.ReasonGrant)

	var after int64
	err := s.ledger.Transfer(ctx, "wallet.grant", func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.ClaimIdempotency(ctx, in.ActorID, in.IdempotencyKey, "grant"); err != nil {
			return err
		}
		e, err := tx.Credit(ctx, ledger.AccountWallet, ledger.Posting{
			AccountID:    in.OwnerID,
			Amount:       in.Amount,
			ActorID:      in.ActorID,
			Reason:       reason,
			Counterparty: "system:" + in.ActorID,
			Metadata:     in.Metadata,
		})
		after = e.BalanceAfter
		return err
	})
	if err != nil {
		return Balance{}, err
	}

	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindWalletGrant,
		ActorID:    in.ActorID,
		Subject:    in.OwnerID,
		Attributes: map[string]any{"amount": in.Amount, "reason": reason},
	})
	return Balance{OwnerID: in.OwnerID, Gold: after, AsOf: time.Now().UTC()}, nil
}

// Charge debits gold from a wallet. A balance that is already too low fails
// fast with ledger.ErrInsufficientFunds; losing it to a concurrent spend
// surfaces as ledger.ErrRaceLost.
func (s *Service) Charge(ctx context.Context, in AdjustInput) (Balance, error) {
	if err := validateAdjust(in); err != nil {
		return Balance{}, err
	}
	reason := firstNonEmpty(in.Reason, ledger.ReasonCharge)

	gold, err := s.ledger.WalletBalance(ctx, in.OwnerID)
	if err != nil {
		return Balance{}, err
	}
	if gold < in.Amount {
		return Balance{}, fmt.Errorf("wallet %s holds %d, needs %d: %w", in.OwnerID, gold, in.Amount, ledger.ErrInsufficientFunds)
	}

	var after int64
	err = s.ledger.Transfer(ctx, "wallet.charge", func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.ClaimIdempotency(ctx, in.ActorID, in.IdempotencyKey, "charge"); err != nil {
			return err
		}
		e, err := tx.Debit(ctx, ledger.AccountWallet, ledger.Posting{
			AccountID:    in.OwnerID,
			Amount:       in.Amount,
			ActorID:      in.ActorID,
			Reason:       reason,
			Counterparty: "system:" + in.ActorID,
			Metadata:     in.Metadata,
		})
		after = e.BalanceAfter
		return err
	})
	if err != nil {
		return Balance{}, err
	}

	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindWalletCharge,
		ActorID:    in.ActorID,
		Subject:    in.OwnerID,
		Attributes: map[string]any{"amount": in.Amount, "reason": reason},
	})
	return Balance{OwnerID: in.OwnerID, Gold: after, AsOf: time.Now().UTC()}, nil
}

func validateAdjust(in AdjustInput) error {
	switch {
	case strings.TrimSpace(in.OwnerID) == "":
		return fmt.Errorf("%w: owner id is required", ledger.ErrInvalidArgument)
	case strings.TrimSpace(in.ActorID) == "":
		return fmt.Errorf("%w: actor id is required", ledger.ErrInvalidArgument)
	case in.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidArgument)
	case strings.TrimSpace(in.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency key is required", ledger.ErrInvalidArgument)
	}
	return nil
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
