package guild

import (
	"fmt"
	"strings"
	"time"

	"github.com/guildhall/economy/internal/ledger"
)

// Role is a guild rank. Ranks form a single total order.
type Role string

const (
	RoleLeader  Role = "LEADER"
	RoleOfficer Role = "OFFICER"
	RoleTrader  Role = "TRADER"
	RoleMember  Role = "MEMBER"
)

var roleRank = map[Role]int{
	RoleMember:  1,
	RoleTrader:  2,
	RoleOfficer: 3,
	RoleLeader:  4,
}

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("%w: unknown role %q", ledger.ErrInvalidArgument, s)
	}
	return r, nil
}

// Dominates reports whether r ranks at or above required. Unknown roles
// dominate nothing and are dominated by everything.
func (r Role) Dominates(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	need, ok := roleRank[required]
	if !ok {
		return false
	}
	return have >= need
}

// Require fails with ledger.ErrForbidden unless r dominates required.
func Require(r, required Role) error {
	if !r.Dominates(required) {
		return fmt.Errorf("%w: role %s below %s", ledger.ErrForbidden, r, required)
	}
	return nil
}

// Guild is a player organisation owning one treasury.
type Guild struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Member links a user to a guild with a role.
type Member struct {
	GuildID  string    `json:"guild_id"`
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// JoinStatus is the lifecycle state of a join request.
type JoinStatus string

const (
	JoinPending  JoinStatus = "PENDING"
	JoinApproved JoinStatus = "APPROVED"
	JoinRejected JoinStatus = "REJECTED"
	JoinExpired  JoinStatus = "EXPIRED"
)

// JoinRequest is an application to join a guild.
type JoinRequest struct {
	ID          string     `json:"id"`
	GuildID     string     `json:"guild_id"`
	ApplicantID string     `json:"applicant_id"`
	Message     string     `json:"message"`
	Status      JoinStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
}

// Treasury is a guild's pooled gold.
type Treasury struct {
	GuildID string    `json:"guild_id"`
	Gold    int64     `json:"gold"`
	AsOf    time.Time `json:"as_of"`
}

// TreasuryResult reports balances right after a committed treasury movement.
type TreasuryResult struct {
	GuildID      string `json:"guild_id"`
	UserID       string `json:"user_id"`
	Treasury     int64  `json:"treasury"`
	Wallet       int64  `json:"wallet"`
	Contribution int64  `json:"contribution,omitempty"`
}
