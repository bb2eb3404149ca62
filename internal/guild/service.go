package guild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/notification"
)

const (
	// DefaultRejectCooldown blocks re-application after a rejection.
	DefaultRejectCooldown = 24 * time.Hour
	// DefaultRequestTTL is how long a join request stays PENDING.
	DefaultRequestTTL = 72 * time.Hour

	maxMessageLength = 500
)

// Options configure join request timing.
type Options struct {
	RejectCooldown time.Duration
	RequestTTL     time.Duration
}

// Service runs treasury movements through the ledger and manages join requests.
type Service struct {
	repo     Repository
	ledger   ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewService builds a guild service instance.
func NewService(repo Repository, l ledger.Ledger, notifier notification.Notifier, logger *slog.Logger, opts Options) *Service {
	if opts.RejectCooldown <= 0 {
		opts.RejectCooldown = DefaultRejectCooldown
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = DefaultRequestTTL
	}
	return &Service{repo: repo, ledger: l, notifier: notifier, logger: logger, opts: opts, now: time.Now}
}

// CreateGuild registers a guild with leaderID as LEADER.
func (s *Service) CreateGuild(ctx context.Context, id, name, leaderID string) (Guild, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(name) == "" || strings.TrimSpace(leaderID) == "" {
		return Guild{}, fmt.Errorf("%w: id, name and leader are required", ledger.ErrInvalidArgument)
	}
	g := Guild{ID: id, Name: name, CreatedAt: s.now().UTC()}
	if err := s.repo.CreateGuild(ctx, g, leaderID); err != nil {
		return Guild{}, err
	}
	return g, nil
}

// Role returns userID's role in guildID. Non-members yield ledger.ErrForbidden.
func (s *Service) Role(ctx context.Context, guildID, userID string) (Role, error) {
	if _, err := s.repo.Guild(ctx, guildID); err != nil {
		return "", err
	}
	m, err := s.repo.Member(ctx, guildID, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", fmt.Errorf("%s is not a member of %s: %w", userID, guildID, ledger.ErrForbidden)
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// Members lists the guild roster to a member of it.
func (s *Service) Members(ctx context.Context, guildID, requesterID string) ([]Member, error) {
	if _, err := s.Role(ctx, guildID, requesterID); err != nil {
		return nil, err
	}
	return s.repo.Members(ctx, guildID)
}

// Treasury returns the guild's current gold. A guild that never received a
// deposit has an empty treasury.
func (s *Service) Treasury(ctx context.Context, guildID string) (Treasury, error) {
	if _, err := s.repo.Guild(ctx, guildID); err != nil {
		return Treasury{}, err
	}
	gold, err := s.ledger.TreasuryBalance(ctx, guildID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return Treasury{}, err
	}
	return Treasury{GuildID: guildID, Gold: gold, AsOf: s.now().UTC()}, nil
}

// DepositInput moves gold from a member's wallet into the treasury.
type DepositInput struct {
	UserID         string
	GuildID        string
	Amount         int64
	IdempotencyKey string
}

// Deposit debits the member's wallet, credits the treasury and raises the
// member's contribution score, all in one transaction.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (TreasuryResult, error) {
	if in.Amount <= 0 {
		return TreasuryResult{}, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidArgument)
	}
	if _, err := s.Role(ctx, in.GuildID, in.UserID); err != nil {
		return TreasuryResult{}, err
	}
	gold, err := s.ledger.WalletBalance(ctx, in.UserID)
	if err != nil {
		return TreasuryResult{}, err
	}
	if gold < in.Amount {
		return TreasuryResult{}, fmt.Errorf("wallet %s holds %d, needs %d: %w", in.UserID, gold, in.Amount, ledger.ErrInsufficientFunds)
	}

	res := TreasuryResult{GuildID: in.GuildID, UserID: in.UserID}
	err = s.ledger.Transfer(ctx, "guild.deposit", func(ctx context.Context, tx ledger.Tx) error {
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotency(ctx, in.UserID, in.IdempotencyKey, "treasury_deposit"); err != nil {
				return err
			}
		}
		w, err := tx.Debit(ctx, ledger.AccountWallet, ledger.Posting{
			AccountID:    in.UserID,
			Amount:       in.Amount,
			ActorID:      in.UserID,
			Reason:       ledger.ReasonTreasuryDeposit,
			Counterparty: "guild:" + in.GuildID,
			GuildID:      in.GuildID,
		})
		if err != nil {
			return err
		}
		t, err := tx.Credit(ctx, ledger.AccountTreasury, ledger.Posting{
			AccountID:    in.GuildID,
			Amount:       in.Amount,
			ActorID:      in.UserID,
			Reason:       ledger.ReasonTreasuryDeposit,
			Counterparty: "user:" + in.UserID,
			GuildID:      in.GuildID,
		})
		if err != nil {
			return err
		}
		if err := tx.AddContribution(ctx, in.GuildID, in.UserID, in.Amount); err != nil {
			return err
		}
		res.Wallet, res.Treasury = w.BalanceAfter, t.BalanceAfter
		return nil
	})
	if err != nil {
		return TreasuryResult{}, err
	}
	if res.Contribution, err = s.ledger.Contribution(ctx, in.GuildID, in.UserID); err != nil {
		s.logger.Warn("read contribution", slog.String("guild_id", in.GuildID), slog.Any("error", err))
	}

	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindTreasuryDeposit,
		ActorID:    in.UserID,
		Subject:    in.GuildID,
		Attributes: map[string]any{"amount": in.Amount, "treasury": res.Treasury},
	})
	return res, nil
}

// WithdrawInput moves gold from the treasury to the requester's wallet.
// RequesterRole is supplied by the caller, who resolved it from membership.
type WithdrawInput struct {
	UserID         string
	GuildID        string
	Amount         int64
	RequesterRole  Role
	IdempotencyKey string
}

// Withdraw requires OFFICER or above. The role check runs before any
// transaction starts.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (TreasuryResult, error) {
	if in.Amount <= 0 {
		return TreasuryResult{}, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidArgument)
	}
	if err := Require(in.RequesterRole, RoleOfficer); err != nil {
		return TreasuryResult{}, err
	}
	if _, err := s.repo.Guild(ctx, in.GuildID); err != nil {
		return TreasuryResult{}, err
	}
	gold, err := s.ledger.TreasuryBalance(ctx, in.GuildID)
	if err != nil {
		return TreasuryResult{}, err
	}
	if gold < in.Amount {
		return TreasuryResult{}, fmt.Errorf("treasury %s holds %d, needs %d: %w", in.GuildID, gold, in.Amount, ledger.ErrInsufficientFunds)
	}

	res := TreasuryResult{GuildID: in.GuildID, UserID: in.UserID}
	err = s.ledger.Transfer(ctx, "guild.withdraw", func(ctx context.Context, tx ledger.Tx) error {
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotency(ctx, in.UserID, in.IdempotencyKey, "treasury_withdraw"); err != nil {
				return err
			}
		}
		t, err := tx.Debit(ctx, ledger.AccountTreasury, ledger.Posting{
			AccountID:    in.GuildID,
			Amount:       in.Amount,
			ActorID:      in.UserID,
			Reason:       ledger.ReasonTreasuryWithdraw,
			Counterparty: "user:" + in.UserID,
			GuildID:      in.GuildID,
			Metadata:     map[string]any{"role": string(in.RequesterRole)},
		})
		if err != nil {
			return err
		}
		w, err := tx.Credit(ctx, ledger.AccountWallet, ledger.Posting{
			AccountID:    in.UserID,
			Amount:       in.Amount,
			ActorID:      in.UserID,
			Reason:       ledger.ReasonTreasuryWithdraw,
			Counterparty: "guild:" + in.GuildID,
			GuildID:      in.GuildID,
		})
		if err != nil {
			return err
		}
		res.Wallet, res.Treasury = w.BalanceAfter, t.BalanceAfter
		return nil
	})
	if err != nil {
		return TreasuryResult{}, err
	}

	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindTreasuryWithdraw,
		ActorID:    in.UserID,
		Subject:    in.GuildID,
		Attributes: map[string]any{"amount": in.Amount, "treasury": res.Treasury},
	})
	return res, nil
}

// Apply files a join request. Existing members, applicants with a live PENDING
// request and applicants still inside the rejection cooldown are refused with
// ledger.ErrInvalidState.
func (s *Service) Apply(ctx context.Context, guildID, applicantID, message string) (JoinRequest, error) {
	if strings.TrimSpace(applicantID) == "" {
		return JoinRequest{}, fmt.Errorf("%w: applicant id is required", ledger.ErrInvalidArgument)
	}
	if len(message) > maxMessageLength {
		return JoinRequest{}, fmt.Errorf("%w: message longer than %d bytes", ledger.ErrInvalidArgument, maxMessageLength)
	}
	if _, err := s.repo.Guild(ctx, guildID); err != nil {
		return JoinRequest{}, err
	}
	if _, err := s.repo.Member(ctx, guildID, applicantID); err == nil {
		return JoinRequest{}, fmt.Errorf("%s already in %s: %w", applicantID, guildID, ledger.ErrInvalidState)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return JoinRequest{}, err
	}

	now := s.now().UTC()
	last, err := s.repo.LatestJoinRequest(ctx, guildID, applicantID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		return JoinRequest{}, err
	case last.Status == JoinPending && now.Before(last.ExpiresAt):
		return JoinRequest{}, fmt.Errorf("pending join request %s exists: %w", last.ID, ledger.ErrInvalidState)
	case last.Status == JoinPending:
		if _, err := s.repo.DecideJoinRequest(ctx, last.ID, JoinExpired, "", now); err != nil && !errors.Is(err, ledger.ErrInvalidState) {
			return JoinRequest{}, err
		}
	case last.Status == JoinRejected && last.DecidedAt != nil:
		if until := last.DecidedAt.Add(s.opts.RejectCooldown); now.Before(until) {
			return JoinRequest{}, fmt.Errorf("rejected, may re-apply after %s: %w", until.Format(time.RFC3339), ledger.ErrInvalidState)
		}
	}

	jr := JoinRequest{
		ID:          uuid.NewString(),
		GuildID:     guildID,
		ApplicantID: applicantID,
		Message:     strings.TrimSpace(message),
		Status:      JoinPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.RequestTTL),
	}
	if err := s.repo.InsertJoinRequest(ctx, jr); err != nil {
		return JoinRequest{}, err
	}
	s.notifyJoin(ctx, jr)
	return jr, nil
}

// Approve accepts a PENDING request and adds the applicant as MEMBER.
func (s *Service) Approve(ctx context.Context, guildID, requestID, deciderID string) (JoinRequest, error) {
	return s.decide(ctx, guildID, requestID, deciderID, JoinApproved)
}

// Reject declines a PENDING request and starts the re-application cooldown.
func (s *Service) Reject(ctx context.Context, guildID, requestID, deciderID string) (JoinRequest, error) {
	return s.decide(ctx, guildID, requestID, deciderID, JoinRejected)
}

func (s *Service) decide(ctx context.Context, guildID, requestID, deciderID string, status JoinStatus) (JoinRequest, error) {
	role, err := s.Role(ctx, guildID, deciderID)
	if err != nil {
		return JoinRequest{}, err
	}
	if err := Require(role, RoleOfficer); err != nil {
		return JoinRequest{}, err
	}
	jr, err := s.repo.JoinRequest(ctx, requestID)
	if err != nil {
		return JoinRequest{}, err
	}
	if jr.GuildID != guildID {
		return JoinRequest{}, fmt.Errorf("join request %s: %w", requestID, ledger.ErrNotFound)
	}
	now := s.now().UTC()
	if jr.Status == JoinPending && !now.Before(jr.ExpiresAt) {
		if _, err := s.repo.DecideJoinRequest(ctx, jr.ID, JoinExpired, "", now); err != nil && !errors.Is(err, ledger.ErrInvalidState) {
			return JoinRequest{}, err
		}
		return JoinRequest{}, fmt.Errorf("join request %s expired: %w", requestID, ledger.ErrInvalidState)
	}
	jr, err = s.repo.DecideJoinRequest(ctx, requestID, status, deciderID, now)
	if err != nil {
		return JoinRequest{}, err
	}
	s.notifyJoin(ctx, jr)
	return jr, nil
}

// ExpireRequests marks overdue PENDING requests EXPIRED and returns how many
// changed. Running it again is a no-op.
func (s *Service) ExpireRequests(ctx context.Context, limit int) (int, error) {
	expired, err := s.repo.ExpireJoinRequests(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	for _, jr := range expired {
		s.notifyJoin(ctx, jr)
	}
	return len(expired), nil
}

func (s *Service) notifyJoin(ctx context.Context, jr JoinRequest) {
	notification.Send(ctx, s.notifier, s.logger, notification.Event{
		Kind:       notification.KindJoinRequest,
		ActorID:    jr.ApplicantID,
		Subject:    jr.GuildID,
		Attributes: map[string]any{"request_id": jr.ID, "status": string(jr.Status)},
	})
}
