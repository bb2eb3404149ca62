package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guildhall/economy/internal/config"
	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/logging"
	"github.com/guildhall/economy/internal/notification"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, ledger.Ledger, *clock) {
	t.Helper()
	led := ledger.NewInMemory(ledger.WithRetryDelay(time.Millisecond))
	svc := NewService(led, config.DefaultTuning(), notification.Discard{}, logging.Discard())
	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = clk.now
	return svc, led, clk
}

func inventory(t *testing.T, led ledger.Ledger, owner, item string) int64 {
	t.Helper()
	inv, err := led.Inventory(context.Background(), owner)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	return inv[item]
}

func wallet(t *testing.T, led ledger.Ledger, owner string) int64 {
	t.Helper()
	gold, err := led.WalletBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("wallet %s: %v", owner, err)
	}
	return gold
}

func assertEscrowConserved(t *testing.T, led ledger.Ledger, lst ledger.Listing, sold int64) {
	t.Helper()
	cur, err := led.Listing(context.Background(), lst.ID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	var held int64
	if e, err := led.Escrow(context.Background(), lst.ID); err == nil {
		held = e.Quantity
	} else if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("escrow: %v", err)
	}
	if held+sold != cur.Quantity {
		t.Fatalf("escrow %d + sold %d != quantity %d", held, sold, cur.Quantity)
	}
	if cur.Status == ledger.StatusActive && held != cur.Remaining {
		t.Fatalf("active listing escrow %d != remaining %d", held, cur.Remaining)
	}
}

func TestFee(t *testing.T) {
	cases := []struct {
		qty, price, bps, want int64
	}{
		{10, 5, 500, 2},
		{1, 5, 500, 0},
		{100, 12, 750, 90},
		{3, 7, 1500, 3},
	}
	for _, c := range cases {
		if got := Fee(c.qty, c.price, c.bps); got != c.want {
			t.Fatalf("Fee(%d,%d,%d)=%d want %d", c.qty, c.price, c.bps, got, c.want)
		}
	}
}

func TestCreateThenPartialBuy(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "seller", "iron_ore", 10)
	ledger.SeedWallet(led, "seller", 100)
	ledger.SeedWallet(led, "buyer", 500)

	lst, err := svc.Create(ctx, CreateInput{MarketID: "m1", SellerID: "seller", ItemKey: "iron_ore", Quantity: 10, PricePerUnit: 5, Duration: 24 * time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if lst.FeeRateBps != 500 || lst.FeePaid != 2 {
		t.Fatalf("expected 5%% fee of 2, got rate %d fee %d", lst.FeeRateBps, lst.FeePaid)
	}
	if got := wallet(t, led, "seller"); got != 98 {
		t.Fatalf("expected seller wallet 98 after fee, got %d", got)
	}
	if got := inventory(t, led, "seller", "iron_ore"); got != 0 {
		t.Fatalf("expected items moved to escrow, seller still holds %d", got)
	}
	assertEscrowConserved(t, led, lst, 0)

	p, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "buyer", Quantity: 4})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if p.Listing.Remaining != 6 || p.Listing.Status != ledger.StatusActive || p.Closed() {
		t.Fatalf("expected 6 remaining ACTIVE, got %d %s", p.Listing.Remaining, p.Listing.Status)
	}
	if p.Total != 20 || p.BuyerWallet != 480 {
		t.Fatalf("unexpected purchase %+v", p)
	}
	if got := inventory(t, led, "buyer", "iron_ore"); got != 4 {
		t.Fatalf("expected buyer +4, got %d", got)
	}
	if got := wallet(t, led, "seller"); got != 118 {
		t.Fatalf("expected seller +20, got %d", got)
	}
	e, err := led.Escrow(ctx, lst.ID)
	if err != nil || e.Quantity != 6 {
		t.Fatalf("expected escrow 6, got %+v %v", e, err)
	}
	assertEscrowConserved(t, led, lst, 4)

	entries, _ := led.Entries(ctx, ledger.EntryFilter{ListingID: lst.ID})
	var purchase, sale int
	for _, en := range entries {
		switch en.Reason {
		case ledger.ReasonPurchase:
			purchase++
		case ledger.ReasonSale:
			sale++
		}
	}
	if purchase != 1 || sale != 1 {
		t.Fatalf("expected one matched pair, got %d purchase %d sale", purchase, sale)
	}
}

func TestBuyLastUnitClosesListing(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "seller", "timber", 3)
	ledger.SeedWallet(led, "seller", 10)
	ledger.SeedWallet(led, "buyer", 100)

	lst, err := svc.Create(ctx, CreateInput{MarketID: "m1", SellerID: "seller", ItemKey: "timber", Quantity: 3, PricePerUnit: 4, Duration: 2 * time.Hour})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "buyer"})
	if err != nil {
		t.Fatalf("buy all: %v", err)
	}
	if !p.Closed() || p.Quantity != 3 {
		t.Fatalf("expected closing purchase of 3, got %+v", p)
	}
	cur, _ := led.Listing(ctx, lst.ID)
	if cur.Status != ledger.StatusSold || cur.Remaining != 0 {
		t.Fatalf("expected SOLD with 0 remaining, got %s %d", cur.Status, cur.Remaining)
	}
	if _, err := led.Escrow(ctx, lst.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected escrow gone, got %v", err)
	}
	assertEscrowConserved(t, led, lst, 3)

	if _, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "buyer", Quantity: 1}); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("buying a sold listing must be invalid state, got %v", err)
	}
}

func TestBuyValidation(t *testing.T) {
	svc, led, clk := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "seller", "iron_ore", 5)
	ledger.SeedWallet(led, "seller", 10)
	ledger.SeedWallet(led, "poor", 3)

	lst, err := svc.Create(ctx, CreateInput{MarketID: "m1", SellerID: "seller", ItemKey: "iron_ore", Quantity: 5, PricePerUnit: 10, Duration: 24 * time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "seller"}); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("self buy: %v", err)
	}
	if _, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "poor", Quantity: 6}); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("overfill: %v", err)
	}
	if _, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "poor", Quantity: 1}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("insufficient: %v", err)
	}
	if _, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: "missing", BuyerID: "poor"}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
	clk.advance(25 * time.Minute)
	if _, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "poor", Quantity: 1}); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expired: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "seller", "iron_ore", 5)
	ledger.SeedWallet(led, "seller", 1)

	base := CreateInput{MarketID: "m1", SellerID: "seller", ItemKey: "iron_ore", Quantity: 5, PricePerUnit: 10, Duration: 24 * time.Minute}

	odd := base
	odd.Duration = 25 * time.Minute
	if _, err := svc.Create(ctx, odd); !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Fatalf("unknown duration: %v", err)
	}
	many := base
	many.Quantity = 6
	if _, err := svc.Create(ctx, many); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("not enough items: %v", err)
	}
	if _, err := svc.Create(ctx, base); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("fee 2 on wallet 1: %v", err)
	}
	if got := inventory(t, led, "seller", "iron_ore"); got != 5 {
		t.Fatalf("failed create must not move items, have %d", got)
	}
}

func TestCancelReturnsEscrowWithoutRefund(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "seller", "copper_ore", 8)
	ledger.SeedWallet(led, "seller", 50)
	ledger.SeedWallet(led, "buyer", 50)

	lst, err := svc.Create(ctx, CreateInput{MarketID: "m1", SellerID: "seller", ItemKey: "copper_ore", Quantity: 8, PricePerUnit: 5, Duration: 8 * time.Hour})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: "buyer", Quantity: 3}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := svc.Cancel(ctx, "m1", lst.ID, "buyer"); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("non-seller cancel: %v", err)
	}
	closed, err := svc.Cancel(ctx, "m1", lst.ID, "seller")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if closed.Status != ledger.StatusCancelled || closed.Remaining != 5 {
		t.Fatalf("unexpected closed listing %+v", closed)
	}
	if got := inventory(t, led, "seller", "copper_ore"); got != 5 {
		t.Fatalf("expected 5 returned, got %d", got)
	}
	if got := wallet(t, led, "seller"); got != 50-4+15 {
		t.Fatalf("fee must stay paid, wallet %d", got)
	}
	if _, err := svc.Cancel(ctx, "m1", lst.ID, "seller"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestExpireSweepIsIdempotent(t *testing.T) {
	svc, led, clk := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "seller", "healing_herb", 7)
	ledger.SeedWallet(led, "seller", 100)

	lst, err := svc.Create(ctx, CreateInput{MarketID: "m1", SellerID: "seller", ItemKey: "healing_herb", Quantity: 7, PricePerUnit: 20, Duration: 24 * time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if expired, err := svc.ExpireOverdue(ctx, "m1", 0); err != nil || len(expired) != 0 {
		t.Fatalf("nothing is overdue yet: %v %v", expired, err)
	}

	clk.advance(30 * time.Minute)
	expired, err := svc.ExpireOverdue(ctx, "m1", 0)
	if err != nil || len(expired) != 1 || expired[0].Status != ledger.StatusExpired {
		t.Fatalf("expected one expiry, got %v %v", expired, err)
	}
	expired, err = svc.ExpireOverdue(ctx, "m1", 0)
	if err != nil || len(expired) != 0 {
		t.Fatalf("second sweep must be a no-op, got %v %v", expired, err)
	}
	if got := inventory(t, led, "seller", "healing_herb"); got != 7 {
		t.Fatalf("expected all 7 returned exactly once, got %d", got)
	}
	cur, _ := led.Listing(ctx, lst.ID)
	if cur.Status != ledger.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", cur.Status)
	}
	assertEscrowConserved(t, led, lst, 0)
}

func TestConcurrentBuyersCannotOverfill(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "seller", "iron_ore", 5)
	ledger.SeedWallet(led, "seller", 10)
	lst, err := svc.Create(ctx, CreateInput{MarketID: "m1", SellerID: "seller", ItemKey: "iron_ore", Quantity: 5, PricePerUnit: 1, Duration: 24 * time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	buyers := []string{"b1", "b2", "b3", "b4"}
	for _, b := range buyers {
		ledger.SeedWallet(led, b, 10)
	}
	var wg sync.WaitGroup
	results := make([]error, len(buyers))
	for i, b := range buyers {
		wg.Add(1)
		go func(i int, b string) {
			defer wg.Done()
			_, results[i] = svc.Buy(ctx, BuyInput{MarketID: "m1", ListingID: lst.ID, BuyerID: b, Quantity: 2})
		}(i, b)
	}
	wg.Wait()

	var bought int64
	for i, b := range buyers {
		switch {
		case results[i] == nil:
			bought += 2
		case errors.Is(results[i], ledger.ErrRaceLost), errors.Is(results[i], ledger.ErrInvalidState):
		default:
			t.Fatalf("buyer %s: unexpected %v", b, results[i])
		}
	}
	var received int64
	for _, b := range buyers {
		received += inventory(t, led, b, "iron_ore")
	}
	if received != bought || bought > 5 {
		t.Fatalf("bought %d received %d", bought, received)
	}
	assertEscrowConserved(t, led, lst, bought)
}

func TestSweeperRunOnce(t *testing.T) {
	svc, led, clk := newTestService(t)
	ctx := context.Background()
	ledger.SeedItems(led, "a", "timber", 2)
	ledger.SeedItems(led, "b", "timber", 2)
	ledger.SeedWallet(led, "a", 10)
	ledger.SeedWallet(led, "b", 10)
	for _, seller := range []string{"a", "b"} {
		if _, err := svc.Create(ctx, CreateInput{MarketID: "m-" + seller, SellerID: seller, ItemKey: "timber", Quantity: 2, PricePerUnit: 5, Duration: 24 * time.Minute}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	clk.advance(time.Hour)

	sw := NewSweeper(svc, nil, time.Second, 10, logging.Discard())
	res, err := sw.RunOnce(ctx)
	if err != nil || res.Listings != 2 {
		t.Fatalf("expected both markets swept, got %+v %v", res, err)
	}
	if res, _ := sw.RunOnce(ctx); res.Listings != 0 {
		t.Fatalf("second pass should find nothing, got %+v", res)
	}
}
