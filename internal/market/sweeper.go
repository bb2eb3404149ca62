package market

import (
	"context"
	"log/slog"
	"time"
)

// RequestExpirer expires stale guild join requests.
type RequestExpirer interface {
	ExpireRequests(ctx context.Context, limit int) (int, error)
}

// Sweeper expires overdue listings across every market, including markets
// with no live room, and optionally stale join requests.
type Sweeper struct {
	service  *Service
	requests RequestExpirer
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper builds a sweeper. requests may be nil.
func NewSweeper(service *Service, requests RequestExpirer, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{service: service, requests: requests, interval: interval, batch: batch, logger: logger}
}

// SweepResult counts what one pass changed.
type SweepResult struct {
	Listings     int `json:"listings"`
	JoinRequests int `json:"join_requests"`
}

// RunOnce performs a single pass. Partial progress is kept and reported even
// when some listings fail.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	expired, err := s.service.ExpireOverdue(ctx, "", s.batch)
	res.Listings = len(expired)
	if err != nil {
		return res, err
	}
	if s.requests != nil {
		n, err := s.requests.ExpireRequests(ctx, s.batch)
		res.JoinRequests = n
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		res, err := s.RunOnce(ctx)
		switch {
		case err != nil:
			s.logger.Error("sweep failed", slog.Any("error", err))
		case res.Listings > 0 || res.JoinRequests > 0:
			s.logger.Info("sweep", slog.Int("listings", res.Listings), slog.Int("join_requests", res.JoinRequests))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
