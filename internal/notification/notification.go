package notification

import (
	"context"
	"log/slog"
	"time"
)

// Event kinds emitted after a transfer commits.
const (
	KindListingCreated   = "listing_created"
	KindListingSold      = "listing_sold"
	KindListingCancelled = "listing_cancelled"
	KindListingExpired   = "listing_expired"
	KindTreasuryDeposit  = "treasury_deposit"
	KindTreasuryWithdraw = "treasury_withdraw"
	KindWalletGrant      = "wallet_grant"
	KindWalletCharge     = "wallet_charge"
	KindJoinRequest      = "join_request"
)

// Event describes something that already happened durably. Consumers must not
// treat events as a source of truth for balances.
type Event struct {
	Kind       string         `json:"kind"`
	ActorID    string         `json:"actor_id,omitempty"`
	Subject    string         `json:"subject"`
	Attributes map[string]any `json:"attributes,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier delivers events to downstream systems. Delivery failures never undo
// the committed change that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Notify writes the event to the structured logger.
func (n *LoggerNotifier) Notify(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("economy event",
		slog.String("kind", event.Kind),
		slog.String("subject", event.Subject),
		slog.String("actor_id", event.ActorID),
		slog.Any("attributes", event.Attributes),
	)
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) error { return nil }

// Send stamps the event and hands it to n, logging instead of failing the
// caller: the change it describes has already committed.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, event Event) {
	if n == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := n.Notify(ctx, event); err != nil && logger != nil {
		logger.Warn("notification failed", slog.String("kind", event.Kind), slog.Any("error", err))
	}
}
