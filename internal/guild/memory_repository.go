package guild

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guildhall/economy/internal/ledger"
)

type memoryRepository struct {
	mu       sync.RWMutex
	guilds   map[string]Guild
	members  map[string]map[string]Member
	requests map[string]JoinRequest
}

// NewMemoryRepository returns an in-memory repository useful for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		guilds:   make(map[string]Guild),
		members:  make(map[string]map[string]Member),
		requests: make(map[string]JoinRequest),
	}
}

func (r *memoryRepository) CreateGuild(_ context.Context, g Guild, leaderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.guilds[g.ID]; exists {
		return fmt.Errorf("guild %s: %w", g.ID, ledger.ErrInvalidState)
	}
	r.guilds[g.ID] = g
	r.members[g.ID] = map[string]Member{
		leaderID: {GuildID: g.ID, UserID: leaderID, Role: RoleLeader, JoinedAt: g.CreatedAt},
	}
	return nil
}

func (r *memoryRepository) Guild(_ context.Context, id string) (Guild, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guilds[id]
	if !ok {
		return Guild{}, fmt.Errorf("guild %s: %w", id, ledger.ErrNotFound)
	}
	return g, nil
}

func (r *memoryRepository) Member(_ context.Context, guildID, userID string) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[guildID][userID]
	if !ok {
		return Member{}, fmt.Errorf("member %s of %s: %w", userID, guildID, ledger.ErrNotFound)
	}
	return m, nil
}

func (r *memoryRepository) Members(_ context.Context, guildID string) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members[guildID]))
	for _, m := range r.members[guildID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// SetRole is a test helper that adds or updates a member.
func SetRole(repo Repository, guildID, userID string, role Role) {
	if mem, ok := repo.(*memoryRepository); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if mem.members[guildID] == nil {
			mem.members[guildID] = make(map[string]Member)
		}
		mem.members[guildID][userID] = Member{GuildID: guildID, UserID: userID, Role: role, JoinedAt: time.Now().UTC()}
	}
}

func (r *memoryRepository) InsertJoinRequest(_ context.Context, jr JoinRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.requests {
		if existing.GuildID == jr.GuildID && existing.ApplicantID == jr.ApplicantID && existing.Status == JoinPending {
			return fmt.Errorf("pending join request exists: %w", ledger.ErrInvalidState)
		}
	}
	r.requests[jr.ID] = jr
	return nil
}

func (r *memoryRepository) JoinRequest(_ context.Context, id string) (JoinRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jr, ok := r.requests[id]
	if !ok {
		return JoinRequest{}, fmt.Errorf("join request %s: %w", id, ledger.ErrNotFound)
	}
	return jr, nil
}

func (r *memoryRepository) LatestJoinRequest(_ context.Context, guildID, applicantID string) (JoinRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		latest JoinRequest
		found  bool
	)
	for _, jr := range r.requests {
		if jr.GuildID != guildID || jr.ApplicantID != applicantID {
			continue
		}
		if !found || jr.CreatedAt.After(latest.CreatedAt) {
			latest, found = jr, true
		}
	}
	if !found {
		return JoinRequest{}, fmt.Errorf("join request of %s: %w", applicantID, ledger.ErrNotFound)
	}
	return latest, nil
}

func (r *memoryRepository) DecideJoinRequest(_ context.Context, id string, status JoinStatus, by string, at time.Time) (JoinRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jr, ok := r.requests[id]
	if !ok {
		return JoinRequest{}, fmt.Errorf("join request %s: %w", id, ledger.ErrNotFound)
	}
	if jr.Status != JoinPending {
		return JoinRequest{}, fmt.Errorf("join request %s is not pending: %w", id, ledger.ErrInvalidState)
	}
	jr.Status = status
	jr.DecidedAt = &at
	jr.DecidedBy = by
	r.requests[id] = jr
	if status == JoinApproved {
		if r.members[jr.GuildID] == nil {
			r.members[jr.GuildID] = make(map[string]Member)
		}
		if _, exists := r.members[jr.GuildID][jr.ApplicantID]; !exists {
			r.members[jr.GuildID][jr.ApplicantID] = Member{GuildID: jr.GuildID, UserID: jr.ApplicantID, Role: RoleMember, JoinedAt: at}
		}
	}
	return jr, nil
}

func (r *memoryRepository) ExpireJoinRequests(_ context.Context, now time.Time, limit int) ([]JoinRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []JoinRequest
	for id, jr := range r.requests {
		if limit > 0 && len(out) >= limit {
			break
		}
		if jr.Status != JoinPending || now.Before(jr.ExpiresAt) {
			continue
		}
		at := now
		jr.Status = JoinExpired
		jr.DecidedAt = &at
		r.requests[id] = jr
		out = append(out, jr)
	}
	return out, nil
}
