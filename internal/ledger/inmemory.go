package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type itemRef struct{ owner, item string }

type memberRef struct{ guild, user string }

// inMemoryLedger keeps committed state in maps and runs transfers with
// optimistic concurrency: every key carries a version, a transaction records the
// versions it read and commit fails when any of them moved. That mirrors the
// serialization failures Postgres raises under SERIALIZABLE.
type inMemoryLedger struct {
	mu   sync.RWMutex
	opts Options

	versions      map[string]uint64
	wallets       map[string]int64
	treasuries    map[string]int64
	items         map[itemRef]int64
	listings      map[string]Listing
	escrows       map[string]Escrow
	contributions map[memberRef]int64
	idempotency   map[string]string
	entries       []Entry
	nextID        int64
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and local runs without a database.
func NewInMemory(opts ...Option) Ledger {
	return &inMemoryLedger{
		opts:          defaultOptions().with(opts),
		versions:      make(map[string]uint64),
		wallets:       make(map[string]int64),
		treasuries:    make(map[string]int64),
		items:         make(map[itemRef]int64),
		listings:      make(map[string]Listing),
		escrows:       make(map[string]Escrow),
		contributions: make(map[memberRef]int64),
		idempotency:   make(map[string]string),
	}
}

func accountKey(kind AccountKind, id string) string { return string(kind) + ":" + id }
func itemKey(r itemRef) string                     { return "item:" + r.owner + "\x00" + r.item }
func listingKey(id string) string                  { return "listing:" + id }
func escrowKey(id string) string                   { return "escrow:" + id }
func contributionKey(r memberRef) string           { return "contrib:" + r.guild + "\x00" + r.user }
func idempotencyKey(actor, key string) string      { return "idem:" + actor + "\x00" + key }

func (l *inMemoryLedger) accounts(kind AccountKind) map[string]int64 {
	if kind == AccountTreasury {
		return l.treasuries
	}
	return l.wallets
}

func (l *inMemoryLedger) Transfer(ctx context.Context, name string, body TxFunc, opts ...Option) error {
	return runTransfer(ctx, name, l.opts.with(opts), func(ctx context.Context) error {
		t := l.begin()
		if err := body(ctx, t); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return l.commit(t)
	})
}

func (l *inMemoryLedger) begin() *memTx {
	return &memTx{
		l:             l,
		group:         uuid.NewString(),
		reads:         make(map[string]uint64),
		writes:        make(map[string]struct{}),
		wallets:       make(map[string]int64),
		treasuries:    make(map[string]int64),
		items:         make(map[itemRef]int64),
		listings:      make(map[string]Listing),
		escrows:       make(map[string]*Escrow),
		contributions: make(map[memberRef]int64),
		idempotency:   make(map[string]string),
	}
}

func (l *inMemoryLedger) commit(t *memTx) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, v := range t.reads {
		if l.versions[key] != v {
			return errSerialization
		}
	}

	for id, v := range t.wallets {
		l.wallets[id] = v
	}
	for id, v := range t.treasuries {
		l.treasuries[id] = v
	}
	for ref, v := range t.items {
		l.items[ref] = v
	}
	for id, v := range t.listings {
		l.listings[id] = v
	}
	for id, e := range t.escrows {
		if e == nil {
			delete(l.escrows, id)
			continue
		}
		l.escrows[id] = *e
	}
	for ref, v := range t.contributions {
		l.contributions[ref] = v
	}
	for key, action := range t.idempotency {
		l.idempotency[key] = action
	}
	now := time.Now().UTC()
	for _, e := range t.entries {
		l.nextID++
		e.ID = l.nextID
		e.CreatedAt = now
		l.entries = append(l.entries, e)
	}
	for key := range t.writes {
		l.versions[key]++
	}
	return nil
}

func (l *inMemoryLedger) WalletBalance(_ context.Context, ownerID string) (int64, error) {
	return l.balance(AccountWallet, ownerID)
}

func (l *inMemoryLedger) TreasuryBalance(_ context.Context, guildID string) (int64, error) {
	return l.balance(AccountTreasury, guildID)
}

func (l *inMemoryLedger) balance(kind AccountKind, id string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.accounts(kind)[id]
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return v, nil
}

func (l *inMemoryLedger) Inventory(_ context.Context, ownerID string) (map[string]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64)
	for ref, qty := range l.items {
		if ref.owner == ownerID && qty > 0 {
			out[ref.item] = qty
		}
	}
	return out, nil
}

func (l *inMemoryLedger) Listing(_ context.Context, id string) (Listing, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lst, ok := l.listings[id]
	if !ok {
		return Listing{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return lst, nil
}

func (l *inMemoryLedger) ActiveListings(_ context.Context, marketID string) ([]Listing, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Listing
	for _, lst := range l.listings {
		if lst.Status != StatusActive {
			continue
		}
		if marketID != "" && lst.MarketID != marketID {
			continue
		}
		out = append(out, lst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (l *inMemoryLedger) OverdueListings(_ context.Context, marketID string, now time.Time, limit int) ([]Listing, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Listing
	for _, lst := range l.listings {
		if !lst.Overdue(now) {
			continue
		}
		if marketID != "" && lst.MarketID != marketID {
			continue
		}
		out = append(out, lst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *inMemoryLedger) Escrow(_ context.Context, listingID string) (Escrow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.escrows[listingID]
	if !ok {
		return Escrow{}, fmt.Errorf("escrow %s: %w", listingID, ErrNotFound)
	}
	return e, nil
}

func (l *inMemoryLedger) Contribution(_ context.Context, guildID, userID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.contributions[memberRef{guildID, userID}], nil
}

// Entries returns matching entries oldest first. With a limit only the most
// recent entries are kept.
func (l *inMemoryLedger) Entries(_ context.Context, f EntryFilter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if f.Account != "" && e.Account != f.Account {
			continue
		}
		if f.AccountID != "" && e.AccountID != f.AccountID {
			continue
		}
		if f.ListingID != "" && e.ListingID != f.ListingID {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// memTx stages writes locally until commit.
type memTx struct {
	l     *inMemoryLedger
	group string

	reads  map[string]uint64
	writes map[string]struct{}

	wallets       map[string]int64
	treasuries    map[string]int64
	items         map[itemRef]int64
	listings      map[string]Listing
	escrows       map[string]*Escrow
	contributions map[memberRef]int64
	idempotency   map[string]string
	entries       []Entry
}

// observe must be called with l.mu held.
func (t *memTx) observe(key string) {
	if _, ok := t.reads[key]; !ok {
		t.reads[key] = t.l.versions[key]
	}
}

func (t *memTx) staged(kind AccountKind) map[string]int64 {
	if kind == AccountTreasury {
		return t.treasuries
	}
	return t.wallets
}

func (t *memTx) balance(kind AccountKind, id string) (int64, bool) {
	if v, ok := t.staged(kind)[id]; ok {
		return v, true
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(accountKey(kind, id))
	v, ok := t.l.accounts(kind)[id]
	return v, ok
}

func (t *memTx) WalletBalance(_ context.Context, ownerID string) (int64, error) {
	v, ok := t.balance(AccountWallet, ownerID)
	if !ok {
		return 0, fmt.Errorf("wallet %s: %w", ownerID, ErrNotFound)
	}
	return v, nil
}

func (t *memTx) TreasuryBalance(_ context.Context, guildID string) (int64, error) {
	v, ok := t.balance(AccountTreasury, guildID)
	if !ok {
		return 0, fmt.Errorf("treasury %s: %w", guildID, ErrNotFound)
	}
	return v, nil
}

func (t *memTx) Debit(ctx context.Context, kind AccountKind, p Posting) (Entry, error) {
	if err := validatePosting(p); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	before, ok := t.balance(kind, p.AccountID)
	if !ok || before < p.Amount {
		return Entry{}, fmt.Errorf("debit %s %s: %w", kind, p.AccountID, ErrRaceLost)
	}
	return t.post(kind, p, -p.Amount, before), nil
}

func (t *memTx) Credit(ctx context.Context, kind AccountKind, p Posting) (Entry, error) {
	if err := validatePosting(p); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	before, _ := t.balance(kind, p.AccountID)
	return t.post(kind, p, p.Amount, before), nil
}

func (t *memTx) post(kind AccountKind, p Posting, delta, before int64) Entry {
	after := before + delta
	t.staged(kind)[p.AccountID] = after
	t.writes[accountKey(kind, p.AccountID)] = struct{}{}
	e := Entry{
		TxGroupID:     t.group,
		ActorID:       p.ActorID,
		Account:       kind,
		AccountID:     p.AccountID,
		Amount:        delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        p.Reason,
		Counterparty:  p.Counterparty,
		ListingID:     p.ListingID,
		GuildID:       p.GuildID,
		Metadata:      p.Metadata,
	}
	t.entries = append(t.entries, e)
	return e
}

func (t *memTx) quantity(ref itemRef) int64 {
	if v, ok := t.items[ref]; ok {
		return v
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(itemKey(ref))
	return t.l.items[ref]
}

func (t *memTx) TakeItems(_ context.Context, ownerID, item string, qty int64) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	ref := itemRef{ownerID, item}
	have := t.quantity(ref)
	if have < qty {
		return fmt.Errorf("take %d %s from %s: %w", qty, item, ownerID, ErrRaceLost)
	}
	t.items[ref] = have - qty
	t.writes[itemKey(ref)] = struct{}{}
	return nil
}

func (t *memTx) GiveItems(_ context.Context, ownerID, item string, qty int64) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	ref := itemRef{ownerID, item}
	t.items[ref] = t.quantity(ref) + qty
	t.writes[itemKey(ref)] = struct{}{}
	return nil
}

func (t *memTx) listing(id string) (Listing, bool) {
	if v, ok := t.listings[id]; ok {
		return v, true
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(listingKey(id))
	v, ok := t.l.listings[id]
	return v, ok
}

func (t *memTx) Listing(_ context.Context, id string) (Listing, error) {
	lst, ok := t.listing(id)
	if !ok {
		return Listing{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return lst, nil
}

func (t *memTx) InsertListing(_ context.Context, lst Listing) error {
	if strings.TrimSpace(lst.ID) == "" {
		return invalidf("listing id is required")
	}
	if lst.Status != StatusActive || lst.Remaining <= 0 || lst.Remaining > lst.Quantity {
		return invalidf("new listing must be active with remaining in (0, quantity]")
	}
	if _, exists := t.listing(lst.ID); exists {
		return internalErr("insert listing", fmt.Errorf("listing %s already exists", lst.ID))
	}
	if lst.UpdatedAt.IsZero() {
		lst.UpdatedAt = lst.CreatedAt
	}
	t.listings[lst.ID] = lst
	t.writes[listingKey(lst.ID)] = struct{}{}
	return nil
}

func (t *memTx) SwapListing(_ context.Context, id string, fromStatus ListingStatus, fromRemaining int64, toStatus ListingStatus, toRemaining int64) error {
	if err := checkSwap(toStatus, toRemaining); err != nil {
		return err
	}
	lst, ok := t.listing(id)
	if !ok || lst.Status != fromStatus || lst.Remaining != fromRemaining || toRemaining > lst.Quantity {
		return fmt.Errorf("swap listing %s: %w", id, ErrRaceLost)
	}
	lst.Status = toStatus
	lst.Remaining = toRemaining
	lst.UpdatedAt = time.Now().UTC()
	t.listings[id] = lst
	t.writes[listingKey(id)] = struct{}{}
	return nil
}

func checkSwap(toStatus ListingStatus, toRemaining int64) error {
	if toRemaining < 0 {
		return invalidf("remaining cannot be negative")
	}
	if toStatus == StatusActive && toRemaining == 0 {
		return invalidf("active listing needs remaining quantity")
	}
	return nil
}

func (t *memTx) escrow(id string) (Escrow, bool) {
	if v, ok := t.escrows[id]; ok {
		if v == nil {
			return Escrow{}, false
		}
		return *v, true
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(escrowKey(id))
	v, ok := t.l.escrows[id]
	return v, ok
}

func (t *memTx) Escrow(_ context.Context, listingID string) (Escrow, error) {
	e, ok := t.escrow(listingID)
	if !ok {
		return Escrow{}, fmt.Errorf("escrow %s: %w", listingID, ErrNotFound)
	}
	return e, nil
}

func (t *memTx) HoldEscrow(_ context.Context, e Escrow) error {
	if err := validateQuantity(e.Quantity); err != nil {
		return err
	}
	if _, exists := t.escrow(e.ListingID); exists {
		return internalErr("hold escrow", fmt.Errorf("escrow %s already exists", e.ListingID))
	}
	t.escrows[e.ListingID] = &e
	t.writes[escrowKey(e.ListingID)] = struct{}{}
	return nil
}

func (t *memTx) ReleaseEscrow(_ context.Context, listingID string, qty int64) (int64, error) {
	if err := validateQuantity(qty); err != nil {
		return 0, err
	}
	e, ok := t.escrow(listingID)
	if !ok || e.Quantity < qty {
		return 0, fmt.Errorf("release escrow %s: %w", listingID, ErrRaceLost)
	}
	e.Quantity -= qty
	if e.Quantity == 0 {
		t.escrows[listingID] = nil
	} else {
		t.escrows[listingID] = &e
	}
	t.writes[escrowKey(listingID)] = struct{}{}
	return e.Quantity, nil
}

func (t *memTx) AddContribution(_ context.Context, guildID, userID string, amount int64) error {
	if amount <= 0 {
		return invalidf("contribution must be positive")
	}
	ref := memberRef{guildID, userID}
	cur, ok := t.contributions[ref]
	if !ok {
		t.l.mu.RLock()
		t.observe(contributionKey(ref))
		cur = t.l.contributions[ref]
		t.l.mu.RUnlock()
	}
	t.contributions[ref] = cur + amount
	t.writes[contributionKey(ref)] = struct{}{}
	return nil
}

func (t *memTx) ClaimIdempotency(_ context.Context, actorID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return invalidf("idempotency key is required")
	}
	k := idempotencyKey(actorID, key)
	if _, ok := t.idempotency[k]; ok {
		return ErrDuplicateTransaction
	}
	t.l.mu.RLock()
	t.observe(k)
	_, claimed := t.l.idempotency[k]
	t.l.mu.RUnlock()
	if claimed {
		return ErrDuplicateTransaction
	}
	t.idempotency[k] = action
	t.writes[k] = struct{}{}
	return nil
}
