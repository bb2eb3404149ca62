package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger runs transfers as SERIALIZABLE transactions against PostgreSQL.
// Balance changes are single conditional UPDATE statements, so a debit can never
// drive a balance negative even when two transactions race.
type PostgresLedger struct {
	db   *pgxpool.Pool
	opts Options
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool, opts ...Option) *PostgresLedger {
	return &PostgresLedger{db: db, opts: defaultOptions().with(opts)}
}

// Transfer begins a serializable transaction, runs body and commits. A
// serialization failure from any statement or from COMMIT re-runs body.
func (l *PostgresLedger) Transfer(ctx context.Context, name string, body TxFunc, opts ...Option) error {
	return runTransfer(ctx, name, l.opts.with(opts), func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return mapPgError(err)
		}
		defer tx.Rollback(ctx) // nolint:errcheck

		if err := body(ctx, &pgTx{tx: tx, group: uuid.New()}); err != nil {
			return mapPgError(err)
		}
		return mapPgError(tx.Commit(ctx))
	})
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return errSerialization
		case "57014":
			return fmt.Errorf("%w: %s", ErrTimeout, pgErr.Message)
		}
	}
	return err
}

func accountTable(kind AccountKind) (table, key string) {
	if kind == AccountTreasury {
		return "guild_treasuries", "guild_id"
	}
	return "wallets", "owner_id"
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readBalance(ctx context.Context, q querier, kind AccountKind, id string) (int64, error) {
	table, key := accountTable(kind)
	var gold int64
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT gold FROM %s WHERE %s = $1`, table, key), id).Scan(&gold)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return gold, err
}

const listingColumns = `id, market_id, seller_id, item_key, quantity, remaining, price_per_unit,
        status, duration_seconds, fee_rate_bps, fee_paid, created_at, expires_at, updated_at`

func scanListing(row pgx.Row) (Listing, error) {
	var (
		lst      Listing
		status   string
		duration int64
	)
	if err := row.Scan(&lst.ID, &lst.MarketID, &lst.SellerID, &lst.ItemKey, &lst.Quantity, &lst.Remaining,
		&lst.PricePerUnit, &status, &duration, &lst.FeeRateBps, &lst.FeePaid,
		&lst.CreatedAt, &lst.ExpiresAt, &lst.UpdatedAt); err != nil {
		return Listing{}, err
	}
	lst.Status = ListingStatus(status)
	lst.Duration = time.Duration(duration) * time.Second
	return lst, nil
}

func readListing(ctx context.Context, q querier, id string) (Listing, error) {
	lst, err := scanListing(q.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return lst, err
}

func collectListings(rows pgx.Rows) ([]Listing, error) {
	defer rows.Close()
	var out []Listing
	for rows.Next() {
		lst, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lst)
	}
	return out, rows.Err()
}

func readEscrow(ctx context.Context, q querier, listingID string) (Escrow, error) {
	var e Escrow
	err := q.QueryRow(ctx, `SELECT listing_id, owner_id, item_key, quantity FROM escrows WHERE listing_id = $1`, listingID).
		Scan(&e.ListingID, &e.OwnerID, &e.ItemKey, &e.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, fmt.Errorf("escrow %s: %w", listingID, ErrNotFound)
	}
	return e, err
}

func (l *PostgresLedger) WalletBalance(ctx context.Context, ownerID string) (int64, error) {
	return readBalance(ctx, l.db, AccountWallet, ownerID)
}

func (l *PostgresLedger) TreasuryBalance(ctx context.Context, guildID string) (int64, error) {
	return readBalance(ctx, l.db, AccountTreasury, guildID)
}

func (l *PostgresLedger) Inventory(ctx context.Context, ownerID string) (map[string]int64, error) {
	rows, err := l.db.Query(ctx, `SELECT item_key, quantity FROM inventories WHERE owner_id = $1 AND quantity > 0`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			item string
			qty  int64
		)
		if err := rows.Scan(&item, &qty); err != nil {
			return nil, err
		}
		out[item] = qty
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Listing(ctx context.Context, id string) (Listing, error) {
	return readListing(ctx, l.db, id)
}

func (l *PostgresLedger) ActiveListings(ctx context.Context, marketID string) ([]Listing, error) {
	rows, err := l.db.Query(ctx, `SELECT `+listingColumns+` FROM listings
        WHERE status = 'ACTIVE' AND ($1 = '' OR market_id = $1)
        ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (l *PostgresLedger) OverdueListings(ctx context.Context, marketID string, now time.Time, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.Query(ctx, `SELECT `+listingColumns+` FROM listings
        WHERE status = 'ACTIVE' AND expires_at <= $2 AND ($1 = '' OR market_id = $1)
        ORDER BY expires_at
        LIMIT $3`, marketID, now, limit)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (l *PostgresLedger) Escrow(ctx context.Context, listingID string) (Escrow, error) {
	return readEscrow(ctx, l.db, listingID)
}

func (l *PostgresLedger) Contribution(ctx context.Context, guildID, userID string) (int64, error) {
	var total int64
	err := l.db.QueryRow(ctx, `SELECT total FROM guild_contributions WHERE guild_id = $1 AND user_id = $2`, guildID, userID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return total, err
}

// Entries returns matching entries oldest first. With a limit only the most
// recent entries are kept.
func (l *PostgresLedger) Entries(ctx context.Context, f EntryFilter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Account != "" {
		add("account = $%d", string(f.Account))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.ListingID != "" {
		add("listing_id = $%d", f.ListingID)
	}
	query := `SELECT id, tx_group_id, actor_id, account, account_id, amount, balance_before, balance_after,
        reason, counterparty, listing_id, guild_id, metadata, created_at FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			group   uuid.UUID
			account string
			meta    []byte
		)
		if err := rows.Scan(&e.ID, &group, &e.ActorID, &account, &e.AccountID, &e.Amount, &e.BalanceBefore,
			&e.BalanceAfter, &e.Reason, &e.Counterparty, &e.ListingID, &e.GuildID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TxGroupID = group.String()
		e.Account = AccountKind(account)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type pgTx struct {
	tx    pgx.Tx
	group uuid.UUID
}

func (t *pgTx) WalletBalance(ctx context.Context, ownerID string) (int64, error) {
	return readBalance(ctx, t.tx, AccountWallet, ownerID)
}

func (t *pgTx) TreasuryBalance(ctx context.Context, guildID string) (int64, error) {
	return readBalance(ctx, t.tx, AccountTreasury, guildID)
}

func (t *pgTx) Listing(ctx context.Context, id string) (Listing, error) {
	return readListing(ctx, t.tx, id)
}

func (t *pgTx) Escrow(ctx context.Context, listingID string) (Escrow, error) {
	return readEscrow(ctx, t.tx, listingID)
}

func (t *pgTx) Debit(ctx context.Context, kind AccountKind, p Posting) (Entry, error) {
	if err := validatePosting(p); err != nil {
		return Entry{}, err
	}
	table, key := accountTable(kind)
	var after int64
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`UPDATE %s SET gold = gold - $2, updated_at = now()
        WHERE %s = $1 AND gold >= $2
        RETURNING gold`, table, key), p.AccountID, p.Amount).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("debit %s %s: %w", kind, p.AccountID, ErrRaceLost)
	}
	if err != nil {
		return Entry{}, err
	}
	return t.appendEntry(ctx, kind, p, -p.Amount, after+p.Amount, after)
}

func (t *pgTx) Credit(ctx context.Context, kind AccountKind, p Posting) (Entry, error) {
	if err := validatePosting(p); err != nil {
		return Entry{}, err
	}
	table, key := accountTable(kind)
	var after int64
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, gold) VALUES ($1, $2)
        ON CONFLICT (%[2]s) DO UPDATE SET gold = %[1]s.gold + EXCLUDED.gold, updated_at = now()
        RETURNING gold`, table, key), p.AccountID, p.Amount).Scan(&after)
	if err != nil {
		return Entry{}, err
	}
	return t.appendEntry(ctx, kind, p, p.Amount, after-p.Amount, after)
}

func (t *pgTx) appendEntry(ctx context.Context, kind AccountKind, p Posting, delta, before, after int64) (Entry, error) {
	meta := []byte("{}")
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return Entry{}, err
		}
		meta = raw
	}
	e := Entry{
		TxGroupID:     t.group.String(),
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
	err := t.tx.QueryRow(ctx, `
        INSERT INTO ledger_entries (tx_group_id, actor_id, account, account_id, amount, balance_before,
            balance_after, reason, counterparty, listing_id, guild_id, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
        RETURNING id, created_at`,
		t.group, e.ActorID, string(kind), e.AccountID, delta, before, after,
		e.Reason, e.Counterparty, e.ListingID, e.GuildID, string(meta)).Scan(&e.ID, &e.CreatedAt)
	return e, err
}

func (t *pgTx) TakeItems(ctx context.Context, ownerID, item string, qty int64) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	cmd, err := t.tx.Exec(ctx, `UPDATE inventories SET quantity = quantity - $3
        WHERE owner_id = $1 AND item_key = $2 AND quantity >= $3`, ownerID, item, qty)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("take %d %s from %s: %w", qty, item, ownerID, ErrRaceLost)
	}
	return nil
}

func (t *pgTx) GiveItems(ctx context.Context, ownerID, item string, qty int64) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO inventories (owner_id, item_key, quantity) VALUES ($1, $2, $3)
        ON CONFLICT (owner_id, item_key) DO UPDATE SET quantity = inventories.quantity + EXCLUDED.quantity`,
		ownerID, item, qty)
	return err
}

func (t *pgTx) InsertListing(ctx context.Context, lst Listing) error {
	if strings.TrimSpace(lst.ID) == "" {
		return invalidf("listing id is required")
	}
	if lst.Status != StatusActive || lst.Remaining <= 0 || lst.Remaining > lst.Quantity {
		return invalidf("new listing must be active with remaining in (0, quantity]")
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO listings (`+listingColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $12)`,
		lst.ID, lst.MarketID, lst.SellerID, lst.ItemKey, lst.Quantity, lst.Remaining, lst.PricePerUnit,
		string(lst.Status), int64(lst.Duration/time.Second), lst.FeeRateBps, lst.FeePaid, lst.CreatedAt, lst.ExpiresAt)
	return err
}

func (t *pgTx) SwapListing(ctx context.Context, id string, fromStatus ListingStatus, fromRemaining int64, toStatus ListingStatus, toRemaining int64) error {
	if err := checkSwap(toStatus, toRemaining); err != nil {
		return err
	}
	cmd, err := t.tx.Exec(ctx, `UPDATE listings SET status = $4, remaining = $5, updated_at = now()
        WHERE id = $1 AND status = $2 AND remaining = $3 AND $5 <= quantity`,
		id, string(fromStatus), fromRemaining, string(toStatus), toRemaining)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("swap listing %s: %w", id, ErrRaceLost)
	}
	return nil
}

func (t *pgTx) HoldEscrow(ctx context.Context, e Escrow) error {
	if err := validateQuantity(e.Quantity); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO escrows (listing_id, owner_id, item_key, quantity) VALUES ($1, $2, $3, $4)`,
		e.ListingID, e.OwnerID, e.ItemKey, e.Quantity)
	return err
}

func (t *pgTx) ReleaseEscrow(ctx context.Context, listingID string, qty int64) (int64, error) {
	if err := validateQuantity(qty); err != nil {
		return 0, err
	}
	var left int64
	err := t.tx.QueryRow(ctx, `UPDATE escrows SET quantity = quantity - $2
        WHERE listing_id = $1 AND quantity >= $2
        RETURNING quantity`, listingID, qty).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("release escrow %s: %w", listingID, ErrRaceLost)
	}
	if err != nil {
		return 0, err
	}
	if left == 0 {
		if _, err := t.tx.Exec(ctx, `DELETE FROM escrows WHERE listing_id = $1`, listingID); err != nil {
			return 0, err
		}
	}
	return left, nil
}

func (t *pgTx) AddContribution(ctx context.Context, guildID, userID string, amount int64) error {
	if amount <= 0 {
		return invalidf("contribution must be positive")
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO guild_contributions (guild_id, user_id, total) VALUES ($1, $2, $3)
        ON CONFLICT (guild_id, user_id) DO UPDATE SET total = guild_contributions.total + EXCLUDED.total, updated_at = now()`,
		guildID, userID, amount)
	return err
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, actorID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return invalidf("idempotency key is required")
	}
	cmd, err := t.tx.Exec(ctx, `INSERT INTO idempotency_keys (actor_id, key, action, created_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (actor_id, key) DO NOTHING`, actorID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}
