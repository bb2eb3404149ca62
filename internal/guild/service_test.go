package guild

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/logging"
	"github.com/guildhall/economy/internal/notification"
)

// barrierLedger holds every Transfer until n callers have arrived, so callers
// that already passed their pre-check race inside the coordinator.
type barrierLedger struct {
	ledger.Ledger
	arrived sync.WaitGroup
}

func newBarrierLedger(l ledger.Ledger, n int) *barrierLedger {
	b := &barrierLedger{Ledger: l}
	b.arrived.Add(n)
	return b
}

func (b *barrierLedger) Transfer(ctx context.Context, name string, body ledger.TxFunc, opts ...ledger.Option) error {
	b.arrived.Done()
	b.arrived.Wait()
	return b.Ledger.Transfer(ctx, name, body, opts...)
}

func setup(t *testing.T, l ledger.Ledger) (*Service, Repository) {
	t.Helper()
	repo := NewMemoryRepository()
	svc := NewService(repo, l, notification.Discard{}, logging.Discard(), Options{})
	if _, err := svc.CreateGuild(context.Background(), "g1", "Iron Wolves", "leader"); err != nil {
		t.Fatalf("create guild: %v", err)
	}
	return svc, repo
}

func TestRoleTotalOrder(t *testing.T) {
	order := []Role{RoleMember, RoleTrader, RoleOfficer, RoleLeader}
	for i, r := range order {
		for j, req := range order {
			if got, want := r.Dominates(req), i >= j; got != want {
				t.Fatalf("%s dominates %s: got %v want %v", r, req, got, want)
			}
		}
	}
	if Role("PEON").Dominates(RoleMember) || RoleLeader.Dominates(Role("KING")) {
		t.Fatalf("unknown roles must not participate in the order")
	}
	if r, err := ParseRole("officer"); err != nil || r != RoleOfficer {
		t.Fatalf("parse role: %v %v", r, err)
	}
}

func TestConcurrentDepositsBothCommit(t *testing.T) {
	mem := ledger.NewInMemory(ledger.WithRetryDelay(time.Millisecond))
	led := newBarrierLedger(mem, 2)
	svc, repo := setup(t, led)
	SetRole(repo, "g1", "alice", RoleMember)
	ledger.SeedWallet(mem, "alice", 5_000)
	ledger.SeedTreasury(mem, "g1", 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Deposit(context.Background(), DepositInput{UserID: "alice", GuildID: "g1", Amount: 800})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	ctx := context.Background()
	if bal, _ := mem.WalletBalance(ctx, "alice"); bal != 3_400 {
		t.Fatalf("expected wallet 3400, got %d", bal)
	}
	if bal, _ := mem.TreasuryBalance(ctx, "g1"); bal != 1_600 {
		t.Fatalf("expected treasury 1600, got %d", bal)
	}
	if c, _ := mem.Contribution(ctx, "g1", "alice"); c != 1_600 {
		t.Fatalf("expected contribution 1600, got %d", c)
	}
	entries, _ := mem.Entries(ctx, ledger.EntryFilter{Account: ledger.AccountTreasury, AccountID: "g1"})
	if len(entries) != 2 {
		t.Fatalf("expected 2 treasury entries, got %d", len(entries))
	}
}

func TestConcurrentWithdrawalsOneLosesRace(t *testing.T) {
	mem := ledger.NewInMemory(ledger.WithRetryDelay(time.Millisecond))
	led := newBarrierLedger(mem, 2)
	svc, _ := setup(t, led)
	ledger.SeedTreasury(mem, "g1", 1_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Withdraw(context.Background(), WithdrawInput{UserID: "leader", GuildID: "g1", Amount: 800, RequesterRole: RoleLeader})
		}(i)
	}
	wg.Wait()

	var ok, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrRaceLost):
			lost++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || lost != 1 {
		t.Fatalf("expected one success and one race lost, got ok=%d lost=%d", ok, lost)
	}
	if bal, _ := mem.TreasuryBalance(context.Background(), "g1"); bal != 200 {
		t.Fatalf("expected 200 left, got %d", bal)
	}
}

func TestWithdrawChecksRoleBeforeTransfer(t *testing.T) {
	led := ledger.NewInMemory()
	svc, _ := setup(t, led)
	ledger.SeedTreasury(led, "g1", 1_000)

	_, err := svc.Withdraw(context.Background(), WithdrawInput{UserID: "bob", GuildID: "g1", Amount: 10, RequesterRole: RoleTrader})
	if !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if entries, _ := led.Entries(context.Background(), ledger.EntryFilter{}); len(entries) != 0 {
		t.Fatalf("forbidden withdraw must not touch the ledger")
	}

	_, err = svc.Withdraw(context.Background(), WithdrawInput{UserID: "bob", GuildID: "g1", Amount: 5_000, RequesterRole: RoleOfficer})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestDepositRequiresMembership(t *testing.T) {
	led := ledger.NewInMemory()
	svc, _ := setup(t, led)
	ledger.SeedWallet(led, "stranger", 100)

	_, err := svc.Deposit(context.Background(), DepositInput{UserID: "stranger", GuildID: "g1", Amount: 10})
	if !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = svc.Deposit(context.Background(), DepositInput{UserID: "stranger", GuildID: "nope", Amount: 10})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJoinRequestLifecycle(t *testing.T) {
	svc, repo := setup(t, ledger.NewInMemory())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	jr, err := svc.Apply(ctx, "g1", "carol", "I mine a lot")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := svc.Apply(ctx, "g1", "carol", "again"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expected invalid state for duplicate pending, got %v", err)
	}

	SetRole(repo, "g1", "trader", RoleTrader)
	if _, err := svc.Reject(ctx, "g1", jr.ID, "trader"); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("trader must not decide, got %v", err)
	}
	if _, err := svc.Reject(ctx, "g1", jr.ID, "leader"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	now = now.Add(23 * time.Hour)
	if _, err := svc.Apply(ctx, "g1", "carol", "please"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expected cooldown, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	jr2, err := svc.Apply(ctx, "g1", "carol", "please")
	if err != nil {
		t.Fatalf("re-apply after cooldown: %v", err)
	}
	if _, err := svc.Approve(ctx, "g1", jr2.ID, "leader"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.Approve(ctx, "g1", jr2.ID, "leader"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("second decision must fail, got %v", err)
	}
	role, err := svc.Role(ctx, "g1", "carol")
	if err != nil || role != RoleMember {
		t.Fatalf("expected carol to be MEMBER, got %v %v", role, err)
	}
}

func TestExpireRequestsIsIdempotent(t *testing.T) {
	svc, _ := setup(t, ledger.NewInMemory())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	jr, err := svc.Apply(ctx, "g1", "dave", "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	now = now.Add(DefaultRequestTTL + time.Minute)
	n, err := svc.ExpireRequests(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d %v", n, err)
	}
	n, err = svc.ExpireRequests(ctx, 0)
	if err != nil || n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d %v", n, err)
	}
	if _, err := svc.Approve(ctx, "g1", jr.ID, "leader"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expired request must not be approvable, got %v", err)
	}
	if _, err := svc.Apply(ctx, "g1", "dave", ""); err != nil {
		t.Fatalf("expiry must not block re-application: %v", err)
	}
}
