package guild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildhall/economy/internal/ledger"
)

// Repository persists guilds, memberships and join requests. Treasury
// balances live in the ledger.
type Repository interface {
	CreateGuild(ctx context.Context, g Guild, leaderID string) error
	Guild(ctx context.Context, id string) (Guild, error)
	Member(ctx context.Context, guildID, userID string) (Member, error)
	Members(ctx context.Context, guildID string) ([]Member, error)

	InsertJoinRequest(ctx context.Context, r JoinRequest) error
	JoinRequest(ctx context.Context, id string) (JoinRequest, error)
	// LatestJoinRequest returns the newest request of applicant for guild.
	LatestJoinRequest(ctx context.Context, guildID, applicantID string) (JoinRequest, error)
	// DecideJoinRequest moves a PENDING request to status. Approval also adds
	// the applicant as MEMBER in the same write. A request that is no longer
	// PENDING yields ledger.ErrInvalidState.
	DecideJoinRequest(ctx context.Context, id string, status JoinStatus, by string, at time.Time) (JoinRequest, error)
	// ExpireJoinRequests marks PENDING requests past expiry as EXPIRED.
	ExpireJoinRequests(ctx context.Context, now time.Time, limit int) ([]JoinRequest, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository constructs a Postgres-backed guild repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateGuild(ctx context.Context, g Guild, leaderID string) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO guilds (id, name, created_at) VALUES ($1, $2, $3)`, g.ID, g.Name, g.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("guild %s: %w", g.ID, ledger.ErrInvalidState)
			}
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO guild_members (guild_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
			g.ID, leaderID, string(RoleLeader), g.CreatedAt)
		return err
	})
}

func (r *PostgresRepository) Guild(ctx context.Context, id string) (Guild, error) {
	var g Guild
	err := r.db.QueryRow(ctx, `SELECT id, name, created_at FROM guilds WHERE id = $1`, id).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Guild{}, fmt.Errorf("guild %s: %w", id, ledger.ErrNotFound)
	}
	return g, err
}

func (r *PostgresRepository) Member(ctx context.Context, guildID, userID string) (Member, error) {
	var (
		m    Member
		role string
	)
	err := r.db.QueryRow(ctx, `SELECT guild_id, user_id, role, joined_at FROM guild_members
        WHERE guild_id = $1 AND user_id = $2`, guildID, userID).Scan(&m.GuildID, &m.UserID, &role, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, fmt.Errorf("member %s of %s: %w", userID, guildID, ledger.ErrNotFound)
	}
	m.Role = Role(role)
	return m, err
}

func (r *PostgresRepository) Members(ctx context.Context, guildID string) ([]Member, error) {
	rows, err := r.db.Query(ctx, `SELECT guild_id, user_id, role, joined_at FROM guild_members
        WHERE guild_id = $1 ORDER BY joined_at`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var (
			m    Member
			role string
		)
		if err := rows.Scan(&m.GuildID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertJoinRequest(ctx context.Context, jr JoinRequest) error {
	_, err := r.db.Exec(ctx, `INSERT INTO guild_join_requests
        (id, guild_id, applicant_id, message, status, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		jr.ID, jr.GuildID, jr.ApplicantID, jr.Message, string(jr.Status), jr.CreatedAt, jr.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("pending join request exists: %w", ledger.ErrInvalidState)
	}
	return err
}

const joinRequestColumns = `id, guild_id, applicant_id, message, status, created_at, expires_at, decided_at, decided_by`

func scanJoinRequest(row pgx.Row) (JoinRequest, error) {
	var (
		jr     JoinRequest
		status string
	)
	if err := row.Scan(&jr.ID, &jr.GuildID, &jr.ApplicantID, &jr.Message, &status, &jr.CreatedAt, &jr.ExpiresAt, &jr.DecidedAt, &jr.DecidedBy); err != nil {
		return JoinRequest{}, err
	}
	jr.Status = JoinStatus(status)
	return jr, nil
}

func (r *PostgresRepository) JoinRequest(ctx context.Context, id string) (JoinRequest, error) {
	jr, err := scanJoinRequest(r.db.QueryRow(ctx, `SELECT `+joinRequestColumns+` FROM guild_join_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return JoinRequest{}, fmt.Errorf("join request %s: %w", id, ledger.ErrNotFound)
	}
	return jr, err
}

func (r *PostgresRepository) LatestJoinRequest(ctx context.Context, guildID, applicantID string) (JoinRequest, error) {
	jr, err := scanJoinRequest(r.db.QueryRow(ctx, `SELECT `+joinRequestColumns+` FROM guild_join_requests
        WHERE guild_id = $1 AND applicant_id = $2
        ORDER BY created_at DESC LIMIT 1`, guildID, applicantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return JoinRequest{}, fmt.Errorf("join request of %s: %w", applicantID, ledger.ErrNotFound)
	}
	return jr, err
}

func (r *PostgresRepository) DecideJoinRequest(ctx context.Context, id string, status JoinStatus, by string, at time.Time) (JoinRequest, error) {
	var out JoinRequest
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		jr, err := scanJoinRequest(tx.QueryRow(ctx, `UPDATE guild_join_requests
            SET status = $2, decided_at = $3, decided_by = $4
            WHERE id = $1 AND status = 'PENDING'
            RETURNING `+joinRequestColumns, id, string(status), at, by))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("join request %s is not pending: %w", id, ledger.ErrInvalidState)
		}
		if err != nil {
			return err
		}
		if status == JoinApproved {
			if _, err := tx.Exec(ctx, `INSERT INTO guild_members (guild_id, user_id, role, joined_at)
                VALUES ($1, $2, $3, $4) ON CONFLICT (guild_id, user_id) DO NOTHING`,
				jr.GuildID, jr.ApplicantID, string(RoleMember), at); err != nil {
				return err
			}
		}
		out = jr
		return nil
	})
	return out, err
}

func (r *PostgresRepository) ExpireJoinRequests(ctx context.Context, now time.Time, limit int) ([]JoinRequest, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `UPDATE guild_join_requests SET status = 'EXPIRED', decided_at = $1
        WHERE id IN (
            SELECT id FROM guild_join_requests
            WHERE status = 'PENDING' AND expires_at <= $1
            ORDER BY expires_at LIMIT $2
        ) AND status = 'PENDING'
        RETURNING `+joinRequestColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JoinRequest
	for rows.Next() {
		jr, err := scanJoinRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
