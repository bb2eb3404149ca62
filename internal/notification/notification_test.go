package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/guildhall/economy/internal/logging"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestSendStampsAndSwallowsErrors(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("broker down")}
	Send(context.Background(), rec, logging.Discard(), Event{Kind: KindListingSold, Subject: "l-1"})

	if len(rec.events) != 1 {
		t.Fatalf("expected one event, got %d", len(rec.events))
	}
	if rec.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be stamped")
	}
}

func TestNATSNotifierSubject(t *testing.T) {
	n := NewNATSNotifier(nil, "economy.events")
	if got := n.SubjectFor(KindTreasuryDeposit); got != "economy.events.treasury_deposit" {
		t.Fatalf("unexpected subject %s", got)
	}
}
