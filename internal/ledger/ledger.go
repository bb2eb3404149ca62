package ledger

import (
	"context"
	"time"
)

// AccountKind distinguishes the two kinds of gold balances the ledger tracks.
type AccountKind string

const (
	AccountWallet   AccountKind = "wallet"
	AccountTreasury AccountKind = "treasury"
)

// Reason codes recorded on ledger entries.
const (
	ReasonGrant            = "grant"
	ReasonCharge           = "charge"
	ReasonListingFee       = "listing_fee"
	ReasonPurchase         = "listing_purchase"
	ReasonSale             = "listing_sale"
	ReasonTreasuryDeposit  = "treasury_deposit"
	ReasonTreasuryWithdraw = "treasury_withdraw"
)

// Entry is one append-only record of a single account balance change.
type Entry struct {
	ID            int64          `json:"id"`
	TxGroupID     string         `json:"tx_group_id"`
	ActorID       string         `json:"actor_id"`
	Account       AccountKind    `json:"account"`
	AccountID     string         `json:"account_id"`
	Amount        int64          `json:"amount"`
	BalanceBefore int64          `json:"balance_before"`
	BalanceAfter  int64          `json:"balance_after"`
	Reason        string         `json:"reason"`
	Counterparty  string         `json:"counterparty,omitempty"`
	ListingID     string         `json:"listing_id,omitempty"`
	GuildID       string         `json:"guild_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Posting describes a balance change requested inside a transaction. Amount is
// always positive; direction comes from the Debit or Credit call.
type Posting struct {
	AccountID    string
	Amount       int64
	ActorID      string
	Reason       string
	Counterparty string
	ListingID    string
	GuildID      string
	Metadata     map[string]any
}

// ListingStatus is the lifecycle state of a marketplace listing.
type ListingStatus string

const (
	StatusActive    ListingStatus = "ACTIVE"
	StatusSold      ListingStatus = "SOLD"
	StatusCancelled ListingStatus = "CANCELLED"
	StatusExpired   ListingStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed from s.
func (s ListingStatus) Terminal() bool {
	return s == StatusSold || s == StatusCancelled || s == StatusExpired
}

// Listing is a seller's offer of an item quantity at a fixed unit price.
type Listing struct {
	ID           string        `json:"id"`
	MarketID     string        `json:"market_id"`
	SellerID     string        `json:"seller_id"`
	ItemKey      string        `json:"item_key"`
	Quantity     int64         `json:"quantity"`
	Remaining    int64         `json:"remaining"`
	PricePerUnit int64         `json:"price_per_unit"`
	Status       ListingStatus `json:"status"`
	Duration     time.Duration `json:"-"`
	FeeRateBps   int64         `json:"fee_rate_bps"`
	FeePaid      int64         `json:"fee_paid"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Overdue reports whether an active listing has passed its expiry at now.
func (l Listing) Overdue(now time.Time) bool {
	return l.Status == StatusActive && !now.Before(l.ExpiresAt)
}

// Escrow holds the items backing an active listing.
type Escrow struct {
	ListingID string `json:"listing_id"`
	OwnerID   string `json:"owner_id"`
	ItemKey   string `json:"item_key"`
	Quantity  int64  `json:"quantity"`
}

// EntryFilter narrows a ledger history query. Zero fields match everything.
type EntryFilter struct {
	Account   AccountKind
	AccountID string
	ListingID string
	Limit     int
}

// Reader exposes committed state outside of a transaction.
type Reader interface {
	WalletBalance(ctx context.Context, ownerID string) (int64, error)
	TreasuryBalance(ctx context.Context, guildID string) (int64, error)
	Inventory(ctx context.Context, ownerID string) (map[string]int64, error)
	Listing(ctx context.Context, id string) (Listing, error)
	// ActiveListings returns ACTIVE listings of marketID, or of every market when empty.
	ActiveListings(ctx context.Context, marketID string) ([]Listing, error)
	OverdueListings(ctx context.Context, marketID string, now time.Time, limit int) ([]Listing, error)
	Escrow(ctx context.Context, listingID string) (Escrow, error)
	Contribution(ctx context.Context, guildID, userID string) (int64, error)
	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)
}

// Tx is the view a transfer body gets of the store. All reads observe the
// transaction's own writes. Every write method is conditional: when the
// predicate fails against current state it returns ErrRaceLost and the body
// should return that error unchanged.
type Tx interface {
	WalletBalance(ctx context.Context, ownerID string) (int64, error)
	TreasuryBalance(ctx context.Context, guildID string) (int64, error)
	Listing(ctx context.Context, id string) (Listing, error)
	Escrow(ctx context.Context, listingID string) (Escrow, error)

	// Debit subtracts p.Amount only if the account holds at least that much
	// and appends the matching ledger entry.
	Debit(ctx context.Context, kind AccountKind, p Posting) (Entry, error)
	// Credit adds p.Amount, creating the account at zero when absent.
	Credit(ctx context.Context, kind AccountKind, p Posting) (Entry, error)

	TakeItems(ctx context.Context, ownerID, itemKey string, qty int64) error
	GiveItems(ctx context.Context, ownerID, itemKey string, qty int64) error

	InsertListing(ctx context.Context, l Listing) error
	// SwapListing moves a listing from (fromStatus, fromRemaining) to
	// (toStatus, toRemaining) and fails with ErrRaceLost if the row no longer
	// matches the expected pair.
	SwapListing(ctx context.Context, id string, fromStatus ListingStatus, fromRemaining int64, toStatus ListingStatus, toRemaining int64) error

	HoldEscrow(ctx context.Context, e Escrow) error
	// ReleaseEscrow removes qty from the hold and returns what is left. A hold
	// that reaches zero is deleted.
	ReleaseEscrow(ctx context.Context, listingID string, qty int64) (int64, error)

	AddContribution(ctx context.Context, guildID, userID string, amount int64) error
	// ClaimIdempotency records (actorID, key) so a retried client request
	// commits at most once. A claimed key yields ErrDuplicateTransaction.
	ClaimIdempotency(ctx context.Context, actorID, key, action string) error
}

// TxFunc is the body of a transfer. It is re-run from scratch when the store
// reports a serialization conflict, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Ledger is the transfer coordinator plus read access to committed state.
type Ledger interface {
	Reader
	// Transfer runs body inside one atomic, serializable transaction bounded by
	// a timeout. Either every write in body commits or none does.
	Transfer(ctx context.Context, name string, body TxFunc, opts ...Option) error
}

const (
	// DefaultTimeout bounds every transfer unless overridden.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxAttempts limits re-runs after serialization conflicts.
	DefaultMaxAttempts = 5
)

// Options tune a single transfer or a whole ledger.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithTimeout overrides the transaction bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithMaxAttempts overrides how many times a conflicting body is re-run.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithRetryDelay overrides the initial backoff between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RetryDelay = d
		}
	}
}

func defaultOptions() Options {
	return Options{
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  25 * time.Millisecond,
	}
}

func (o Options) with(opts []Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
