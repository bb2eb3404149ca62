package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guildhall/economy/internal/config"
	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/notification"
)

// Service drives the listing lifecycle. Every state change is one ledger
// transfer covering inventory, escrow, listing and gold together.
type Service struct {
	ledger   ledger.Ledger
	tuning   config.Tuning
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a marketplace service.
func NewService(l ledger.Ledger, tuning config.Tuning, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{ledger: l, tuning: tuning, notifier: notifier, logger: logger, now: time.Now}
}

// Tuning returns the economy tuning the service was built with.
func (s *Service) Tuning() config.Tuning { return s.tuning }

// Active returns the ACTIVE listings of marketID straight from storage.
func (s *Service) Active(ctx context.Context, marketID string) ([]ledger.Listing, error) {
	return s.ledger.ActiveListings(ctx, marketID)
}

func (s *Service) validateCreate(in CreateInput) (int64, error) {
	switch {
	case strings.TrimSpace(in.MarketID) == "":
		return 0, fmt.Errorf("%w: market id is required", ledger.ErrInvalidArgument)
	case strings.TrimSpace(in.SellerID) == "":
		return 0, fmt.Errorf("%w: seller id is required", ledger.ErrInvalidArgument)
	case strings.TrimSpace(in.ItemKey) == "":
		return 0, fmt.Errorf("%w: item key is required", ledger.ErrInvalidArgument)
	case in.Quantity <= 0 || in.Quantity > s.tuning.MaxListingQuantity:
		return 0, fmt.Errorf("%w: quantity must be within 1..%d", ledger.ErrInvalidArgument, s.tuning.MaxListingQuantity)
	case in.PricePerUnit <= 0 || in.PricePerUnit > s.tuning.MaxPricePerUnit:
		return 0, fmt.Errorf("%w: price per unit must be within 1..%d", ledger.ErrInvalidArgument, s.tuning.MaxPricePerUnit)
	}
	rate, ok := s.tuning.FeeRate(in.Duration)
	if !ok {
		allowed := make([]string, 0, len(s.tuning.FeeTiers))
		for _, tier := range s.tuning.FeeTiers {
			allowed = append(allowed, tier.Duration.String())
		}
		return 0, fmt.Errorf("%w: duration %s not offered (allowed: %s)", ledger.ErrInvalidArgument, in.Duration, strings.Join(allowed, ", "))
	}
	return rate, nil
}

// Create moves the items into escrow, opens the listing and charges the fee
// in one transaction. The fee is fixed here and stored on the listing.
func (s *Service) Create(ctx context.Context, in CreateInput) (ledger.Listing, error) {
	rate, err := s.validateCreate(in)
	if err != nil {
		return ledger.Listing{}, err
	}
	fee := Fee(in.Quantity, in.PricePerUnit, rate)

	inv, err := s.ledger.Inventory(ctx, in.SellerID)
	if err != nil {
		return ledger.Listing{}, err
	}
	if have := inv[in.ItemKey]; have < in.Quantity {
		return ledger.Listing{}, fmt.Errorf("%s holds %d %s, needs %d: %w", in.SellerID, have, in.ItemKey, in.Quantity, ledger.ErrInsufficientFunds)
	}
	if fee > 0 {
		gold, err := s.ledger.WalletBalance(ctx, in.SellerID)
		if err != nil {
			return ledger.Listing{}, err
		}
		if gold < fee {
			return ledger.Listing{}, fmt.Errorf("listing fee %d exceeds wallet %d: %w", fee, gold, ledger.ErrInsufficientFunds)
		}
	}

	now := s.now().UTC()
	lst := ledger.Listing{
		ID:           uuid.NewString(),
		MarketID:     in.MarketID,
		SellerID:     in.SellerID,
		ItemKey:      in.ItemKey,
		Quantity:     in.Quantity,
		Remaining:    in.Quantity,
		PricePerUnit: in.PricePerUnit,
		Status:       ledger.StatusActive,
		Duration:     in.Duration,
		FeeRateBps:   rate,
		FeePaid:      fee,
		CreatedAt:    now,
		ExpiresAt:    now.Add(in.Duration),
		UpdatedAt:    now,
	}
	err = s.ledger.Transfer(ctx, "market.create", func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.TakeItems(ctx, lst.SellerID, lst.ItemKey, lst.Quantity); err != nil {
			return err
		}
		if err := tx.InsertListing(ctx, lst); err != nil {
			return err
		}
		if err := tx.HoldEscrow(ctx, ledger.Escrow{ListingID: lst.ID, OwnerID: lst.SellerID, ItemKey: lst.ItemKey, Quantity: lst.Quantity}); err != nil {
			return err
		}
		if fee == 0 {
			return nil
		}
		_, err := tx.Debit(ctx, ledger.AccountWallet, ledger.Posting{
			AccountID:    lst.SellerID,
			Amount:       fee,
			ActorID:      lst.SellerID,
			Reason:       ledger.ReasonListingFee,
			Counterparty: "market:" + lst.MarketID,
			ListingID:    lst.ID,
			Metadata:     map[string]any{"rate_bps": rate, "duration": lst.Duration.String()},
		})
		return err
	})
	if err != nil {
		return ledger.Listing{}, err
	}

	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindListingCreated,
		ActorID:    lst.SellerID,
		Subject:    lst.ID,
		Attributes: map[string]any{"market_id": lst.MarketID, "item_key": lst.ItemKey, "quantity": lst.Quantity, "fee": fee},
	})
	return lst, nil
}

// Buy settles a full or partial purchase. The listing is compare-and-swapped
// against the remaining quantity the buyer saw, so a concurrent buyer makes
// this one lose the race rather than overfill.
func (s *Service) Buy(ctx context.Context, in BuyInput) (Purchase, error) {
	if strings.TrimSpace(in.MarketID) == "" || strings.TrimSpace(in.ListingID) == "" || strings.TrimSpace(in.BuyerID) == "" {
		return Purchase{}, fmt.Errorf("%w: market id, listing id and buyer id are required", ledger.ErrInvalidArgument)
	}
	if in.Quantity < 0 {
		return Purchase{}, fmt.Errorf("%w: quantity cannot be negative", ledger.ErrInvalidArgument)
	}
	lst, err := s.listingIn(ctx, in.MarketID, in.ListingID)
	if err != nil {
		return Purchase{}, err
	}
	now := s.now().UTC()
	switch {
	case lst.Status != ledger.StatusActive:
		return Purchase{}, fmt.Errorf("listing %s is %s: %w", lst.ID, lst.Status, ledger.ErrInvalidState)
	case lst.Overdue(now):
		return Purchase{}, fmt.Errorf("listing %s expired at %s: %w", lst.ID, lst.ExpiresAt.Format(time.RFC3339), ledger.ErrInvalidState)
	case lst.SellerID == in.BuyerID:
		return Purchase{}, fmt.Errorf("%w: sellers cannot buy their own listing", ledger.ErrForbidden)
	}
	qty := in.Quantity
	if qty == 0 {
		qty = lst.Remaining
	}
	if qty > lst.Remaining {
		return Purchase{}, fmt.Errorf("listing %s has %d left, asked %d: %w", lst.ID, lst.Remaining, qty, ledger.ErrInvalidState)
	}
	total := qty * lst.PricePerUnit
	gold, err := s.ledger.WalletBalance(ctx, in.BuyerID)
	if err != nil {
		return Purchase{}, err
	}
	if gold < total {
		return Purchase{}, fmt.Errorf("wallet %s holds %d, needs %d: %w", in.BuyerID, gold, total, ledger.ErrInsufficientFunds)
	}

	left := lst.Remaining - qty
	status := ledger.StatusActive
	if left == 0 {
		status = ledger.StatusSold
	}
	res := Purchase{BuyerID: in.BuyerID, Quantity: qty, Total: total}
	err = s.ledger.Transfer(ctx, "market.buy", func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.SwapListing(ctx, lst.ID, ledger.StatusActive, lst.Remaining, status, left); err != nil {
			return err
		}
		debit, err := tx.Debit(ctx, ledger.AccountWallet, ledger.Posting{
			AccountID:    in.BuyerID,
			Amount:       total,
			ActorID:      in.BuyerID,
			Reason:       ledger.ReasonPurchase,
			Counterparty: "user:" + lst.SellerID,
			ListingID:    lst.ID,
			Metadata:     map[string]any{"quantity": qty, "price_per_unit": lst.PricePerUnit},
		})
		if err != nil {
			return err
		}
		if _, err := tx.Credit(ctx, ledger.AccountWallet, ledger.Posting{
			AccountID:    lst.SellerID,
			Amount:       total,
			ActorID:      in.BuyerID,
			Reason:       ledger.ReasonSale,
			Counterparty: "user:" + in.BuyerID,
			ListingID:    lst.ID,
			Metadata:     map[string]any{"quantity": qty, "price_per_unit": lst.PricePerUnit},
		}); err != nil {
			return err
		}
		held, err := tx.ReleaseEscrow(ctx, lst.ID, qty)
		if err != nil {
			return err
		}
		if held != left {
			return fmt.Errorf("%w: listing %s escrow %d does not match remaining %d", ledger.ErrInternal, lst.ID, held, left)
		}
		if err := tx.GiveItems(ctx, in.BuyerID, lst.ItemKey, qty); err != nil {
			return err
		}
		res.BuyerWallet = debit.BalanceAfter
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}

	lst.Remaining, lst.Status, lst.UpdatedAt = left, status, now
	res.Listing = lst
	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindListingSold,
		ActorID:    in.BuyerID,
		Subject:    lst.ID,
		Attributes: map[string]any{"market_id": lst.MarketID, "seller_id": lst.SellerID, "quantity": qty, "total": total, "remaining": left},
	})
	return res, nil
}

// Listing reads one listing of marketID.
func (s *Service) Listing(ctx context.Context, marketID, listingID string) (ledger.Listing, error) {
	return s.listingIn(ctx, marketID, listingID)
}

// listingIn reads a listing and hides it when it belongs to another market.
func (s *Service) listingIn(ctx context.Context, marketID, listingID string) (ledger.Listing, error) {
	lst, err := s.ledger.Listing(ctx, listingID)
	if err != nil {
		return ledger.Listing{}, err
	}
	if lst.MarketID != marketID {
		return ledger.Listing{}, fmt.Errorf("listing %s in market %s: %w", listingID, marketID, ledger.ErrNotFound)
	}
	return lst, nil
}

// Cancel closes an ACTIVE listing on behalf of its seller and returns the
// escrowed items. The listing fee is not refunded.
func (s *Service) Cancel(ctx context.Context, marketID, listingID, sellerID string) (ledger.Listing, error) {
	lst, err := s.listingIn(ctx, marketID, listingID)
	if err != nil {
		return ledger.Listing{}, err
	}
	if lst.SellerID != sellerID {
		return ledger.Listing{}, fmt.Errorf("%w: only the seller may cancel listing %s", ledger.ErrForbidden, listingID)
	}
	if lst.Status != ledger.StatusActive {
		return ledger.Listing{}, fmt.Errorf("listing %s is %s: %w", lst.ID, lst.Status, ledger.ErrInvalidState)
	}
	var closed ledger.Listing
	err = s.ledger.Transfer(ctx, "market.cancel", func(ctx context.Context, tx ledger.Tx) error {
		cur, err := tx.Listing(ctx, listingID)
		if err != nil {
			return err
		}
		if cur.Status != ledger.StatusActive {
			return fmt.Errorf("listing %s closed concurrently: %w", listingID, ledger.ErrRaceLost)
		}
		closed, err = closeListing(ctx, tx, cur, ledger.StatusCancelled)
		return err
	})
	if err != nil {
		return ledger.Listing{}, err
	}
	closed.UpdatedAt = s.now().UTC()
	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindListingCancelled,
		ActorID:    sellerID,
		Subject:    closed.ID,
		Attributes: map[string]any{"market_id": closed.MarketID, "returned": closed.Remaining},
	})
	return closed, nil
}

// ExpireOverdue expires up to limit overdue listings of marketID (every market
// when empty). Each listing is its own transaction. Listings already closed by
// the time their transaction runs are skipped, so repeated sweeps are no-ops.
func (s *Service) ExpireOverdue(ctx context.Context, marketID string, limit int) ([]ledger.Listing, error) {
	now := s.now().UTC()
	overdue, err := s.ledger.OverdueListings(ctx, marketID, now, limit)
	if err != nil {
		return nil, err
	}
	var (
		expired []ledger.Listing
		errs    []error
	)
	for _, lst := range overdue {
		var (
			closed ledger.Listing
			done   bool
		)
		err := s.ledger.Transfer(ctx, "market.expire", func(ctx context.Context, tx ledger.Tx) error {
			done = false
			cur, err := tx.Listing(ctx, lst.ID)
			if err != nil {
				return err
			}
			if !cur.Overdue(now) {
				return nil
			}
			closed, err = closeListing(ctx, tx, cur, ledger.StatusExpired)
			done = err == nil
			return err
		})
		if err != nil {
			s.logger.Warn("expire listing", slog.String("listing_id", lst.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("expire %s: %w", lst.ID, err))
			continue
		}
		if !done {
			continue
		}
		closed.UpdatedAt = now
		expired = append(expired, closed)
		notification.Send(ctx, s.notifier, s.logger, notification.Event{
			Kind:       notification.KindListingExpired,
			ActorID:    closed.SellerID,
			Subject:    closed.ID,
			Attributes: map[string]any{"market_id": closed.MarketID, "returned": closed.Remaining},
		})
	}
	return expired, errors.Join(errs...)
}

// closeListing moves an ACTIVE listing into a terminal state and returns its
// whole escrow to the seller. Remaining keeps the unsold quantity on record.
func closeListing(ctx context.Context, tx ledger.Tx, lst ledger.Listing, to ledger.ListingStatus) (ledger.Listing, error) {
	if err := tx.SwapListing(ctx, lst.ID, ledger.StatusActive, lst.Remaining, to, lst.Remaining); err != nil {
		return ledger.Listing{}, err
	}
	held, err := tx.ReleaseEscrow(ctx, lst.ID, lst.Remaining)
	if err != nil {
		return ledger.Listing{}, err
	}
	if held != 0 {
		return ledger.Listing{}, fmt.Errorf("%w: listing %s left %d in escrow", ledger.ErrInternal, lst.ID, held)
	}
	if err := tx.GiveItems(ctx, lst.SellerID, lst.ItemKey, lst.Remaining); err != nil {
		return ledger.Listing{}, err
	}
	lst.Status = to
	return lst, nil
}
