package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSNotifier publishes events to JetStream on {prefix}.{kind}.
type NATSNotifier struct {
	js      jetstream.JetStream
	prefix  string
	timeout time.Duration
}

// NewNATSNotifier constructs a JetStream-backed notifier.
func NewNATSNotifier(js jetstream.JetStream, prefix string) *NATSNotifier {
	return &NATSNotifier{js: js, prefix: prefix, timeout: 2 * time.Second}
}

// SubjectFor returns the subject an event kind is published on.
func (n *NATSNotifier) SubjectFor(kind string) string {
	return fmt.Sprintf("%s.%s", n.prefix, kind)
}

func (n *NATSNotifier) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if _, err := n.js.Publish(ctx, n.SubjectFor(event.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}
