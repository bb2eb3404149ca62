package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// EventStream stores committed economy events for downstream consumers.
	EventStream = "ECONOMY_EVENTS"
	// EventSubjectPrefix prefixes every published event subject.
	EventSubjectPrefix = "economy.events"
)

// NewJetStream connects to NATS and ensures the economy event stream exists.
func NewJetStream(ctx context.Context, url, clientName string) (*nats.Conn, jetstream.JetStream, error) {
	if url == "" {
		return nil, nil, fmt.Errorf("nats url is required")
	}

	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      EventStream,
		Subjects:  []string{EventSubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", EventStream, err)
	}

	return nc, js, nil
}
