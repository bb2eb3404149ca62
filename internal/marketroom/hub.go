package marketroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/guildhall/economy/internal/ledger"
)

// Hub starts rooms on first use and stops them all on Close.
type Hub struct {
	market Market
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub builds a hub whose rooms live until Close.
func NewHub(m Market, cfg Config, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		market: m,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// Room returns the running room for marketID, starting it if needed.
func (h *Hub) Room(marketID string) (*Room, error) {
	marketID = strings.TrimSpace(marketID)
	if marketID == "" {
		return nil, fmt.Errorf("%w: market id is required", ledger.ErrInvalidArgument)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if r, ok := h.rooms[marketID]; ok {
		return r, nil
	}
	r := NewRoom(marketID, h.market, h.cfg, h.logger)
	h.rooms[marketID] = r
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := r.Run(h.ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("room stopped", slog.String("room", marketID), slog.Any("error", err))
		}
		h.mu.Lock()
		if h.rooms[marketID] == r {
			delete(h.rooms, marketID)
		}
		h.mu.Unlock()
	}()
	h.logger.Info("room started", slog.String("room", marketID))
	return r, nil
}

// Do runs cmd in marketID's room.
func (h *Hub) Do(ctx context.Context, marketID string, cmd Command) (Result, error) {
	r, err := h.Room(marketID)
	if err != nil {
		return Result{}, err
	}
	return r.Do(ctx, cmd)
}

// Len reports how many rooms are running.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close stops every room and waits for them to exit.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}
