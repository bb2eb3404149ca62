// Package marketroom runs one actor goroutine per market. The actor owns a
// non-authoritative cache of ACTIVE listings and the advisory prices, applies
// commands through the market service in acceptance order and broadcasts the
// committed deltas to every joined session.
package marketroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/guildhall/economy/internal/config"
	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/market"
)

// ErrClosed is returned once a room has stopped.
var ErrClosed = errors.New("market room closed")

// Market is the slice of the listing lifecycle a room needs.
type Market interface {
	Active(ctx context.Context, marketID string) ([]ledger.Listing, error)
	Listing(ctx context.Context, marketID, listingID string) (ledger.Listing, error)
	ExpireOverdue(ctx context.Context, marketID string, limit int) ([]ledger.Listing, error)
	Create(ctx context.Context, in market.CreateInput) (ledger.Listing, error)
	Buy(ctx context.Context, in market.BuyInput) (market.Purchase, error)
	Cancel(ctx context.Context, marketID, listingID, sellerID string) (ledger.Listing, error)
}

// Config tunes a room.
type Config struct {
	ReloadInterval time.Duration
	PriceInterval  time.Duration
	// CommandTimeout bounds one command and one reload.
	CommandTimeout time.Duration
	SweepBatch     int
	SessionBuffer  int
	Tuning         config.Tuning
	Seed           uint64
}

func (c *Config) defaults() {
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 5 * time.Second
	}
	if c.PriceInterval <= 0 {
		c.PriceInterval = 3 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = ledger.DefaultTimeout
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
	if c.SessionBuffer <= 0 {
		c.SessionBuffer = 64
	}
	if len(c.Tuning.FeeTiers) == 0 {
		c.Tuning = config.DefaultTuning()
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
}

// Session is a joined client. Out is closed by the room when the session
// leaves, falls too far behind or the room stops.
type Session struct {
	ID     string
	UserID string
	out    chan []byte
}

// Out yields encoded messages for the client.
func (s *Session) Out() <-chan []byte { return s.out }

// Result is what a command produced.
type Result struct {
	Type    string
	Payload any
	Err     error
}

type request struct {
	session string
	raw     []byte
	cmd     *Command
	// snapshot asks for the cached listings instead of running a command.
	snapshot bool
	reply    chan Result
}

type joinRequest struct {
	userID string
	resp   chan *Session
}

// Room is the actor for one market.
type Room struct {
	id     string
	market Market
	cfg    Config
	logger *slog.Logger

	inbox chan request
	join  chan joinRequest
	leave chan string
	done  chan struct{}

	// Owned by the Run goroutine.
	sessions map[string]*Session
	listings map[string]ledger.Listing
	prices   *priceWalk
}

// NewRoom builds a room. Run must be called to start it.
func NewRoom(id string, m Market, cfg Config, logger *slog.Logger) *Room {
	cfg.defaults()
	return &Room{
		id:       id,
		market:   m,
		cfg:      cfg,
		logger:   logger.With(slog.String("room", id)),
		inbox:    make(chan request, 64),
		join:     make(chan joinRequest),
		leave:    make(chan string, 16),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		listings: make(map[string]ledger.Listing),
		prices:   newPriceWalk(cfg.Tuning, cfg.Seed),
	}
}

// ID returns the market id.
func (r *Room) ID() string { return r.id }

// Done is closed when Run returns.
func (r *Room) Done() <-chan struct{} { return r.done }

// Run loads the cache and serves the room until ctx is cancelled.
func (r *Room) Run(ctx context.Context) error {
	defer r.shutdown()

	if err := r.load(ctx); err != nil {
		r.logger.Error("initial load failed", slog.Any("error", err))
	}

	reload := time.NewTicker(r.cfg.ReloadInterval)
	defer reload.Stop()
	price := time.NewTicker(r.cfg.PriceInterval)
	defer price.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.join:
			req.resp <- r.handleJoin(req.userID)
		case id := <-r.leave:
			r.drop(id)
		case req := <-r.inbox:
			r.handleRequest(ctx, req)
		case <-reload.C:
			r.reload(ctx)
		case <-price.C:
			r.prices.step()
			r.broadcast(TypePrices, r.prices.snapshot())
		}
	}
}

func (r *Room) shutdown() {
	for id := range r.sessions {
		r.drop(id)
	}
	close(r.done)
}

// Join registers a session for userID. The session's first messages are the
// current listings and prices.
func (r *Room) Join(ctx context.Context, userID string) (*Session, error) {
	resp := make(chan *Session, 1)
	select {
	case r.join <- joinRequest{userID: userID, resp: resp}:
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-r.done:
		return nil, ErrClosed
	}
}

// Leave removes a session. It never blocks on a stopped room.
func (r *Room) Leave(sessionID string) {
	select {
	case r.leave <- sessionID:
	case <-r.done:
	}
}

// Submit queues a raw client message from a joined session. The reply goes
// to that session's Out channel.
func (r *Room) Submit(ctx context.Context, sessionID string, raw []byte) error {
	return r.enqueue(ctx, request{session: sessionID, raw: raw})
}

// Do runs cmd on the room goroutine and waits for its result.
func (r *Room) Do(ctx context.Context, cmd Command) (Result, error) {
	reply := make(chan Result, 1)
	if err := r.enqueue(ctx, request{cmd: &cmd, reply: reply}); err != nil {
		return Result{}, err
	}
	return r.await(ctx, reply)
}

// Listings returns the cached ACTIVE listings in creation order.
func (r *Room) Listings(ctx context.Context) ([]ledger.Listing, error) {
	reply := make(chan Result, 1)
	if err := r.enqueue(ctx, request{snapshot: true, reply: reply}); err != nil {
		return nil, err
	}
	res, err := r.await(ctx, reply)
	if err != nil {
		return nil, err
	}
	listings, _ := res.Payload.([]ledger.Listing)
	return listings, nil
}

func (r *Room) enqueue(ctx context.Context, req request) error {
	select {
	case r.inbox <- req:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("room %s: %w", r.id, ledger.ErrTimeout)
	}
}

func (r *Room) await(ctx context.Context, reply chan Result) (Result, error) {
	select {
	case res := <-reply:
		return res, nil
	case <-r.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, fmt.Errorf("room %s: %w", r.id, ledger.ErrTimeout)
	}
}

func (r *Room) handleJoin(userID string) *Session {
	s := &Session{ID: uuid.NewString(), UserID: userID, out: make(chan []byte, r.cfg.SessionBuffer)}
	r.sessions[s.ID] = s
	r.send(s, TypeListings, "", r.snapshot())
	r.send(s, TypePrices, "", r.prices.snapshot())
	r.logger.Debug("session joined", slog.String("session_id", s.ID), slog.String("user_id", userID))
	return s
}

func (r *Room) drop(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	close(s.out)
}

func (r *Room) handleRequest(ctx context.Context, req request) {
	if req.snapshot {
		req.reply <- Result{Type: TypeListings, Payload: r.snapshot()}
		return
	}

	var (
		cmd       Command
		requester *Session
	)
	switch {
	case req.cmd != nil:
		cmd = *req.cmd
	default:
		var ok bool
		if requester, ok = r.sessions[req.session]; !ok {
			return
		}
		var err error
		if cmd, err = Decode(req.raw, requester.UserID); err != nil {
			r.send(requester, TypeError, cmd.RequestID, r.errorPayload(cmd, err))
			return
		}
	}

	res := r.execute(ctx, cmd)
	if req.reply != nil {
		req.reply <- res
	}
	if requester == nil {
		return
	}
	switch {
	case res.Err != nil:
		r.send(requester, TypeError, cmd.RequestID, r.errorPayload(cmd, res.Err))
	case res.Type == TypeListingCancelled:
		// The broadcast already reached the requester.
	default:
		r.send(requester, res.Type, cmd.RequestID, res.Payload)
	}
}

// execute runs one command. The cache only changes after the lifecycle call
// committed; any error leaves it untouched.
func (r *Room) execute(ctx context.Context, cmd Command) Result {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	switch cmd.Type {
	case TypeCreateListing:
		in := cmd.Create
		in.MarketID, in.SellerID = r.id, cmd.UserID
		lst, err := r.market.Create(ctx, in)
		if err != nil {
			return Result{Err: err}
		}
		r.listings[lst.ID] = lst
		r.prices.track(lst.ItemKey)
		r.broadcast(TypeNewListing, lst)
		return Result{Type: TypeListingCreated, Payload: lst}

	case TypeBuyListing:
		in := cmd.Buy
		in.MarketID, in.ListingID, in.BuyerID = r.id, cmd.ListingID, cmd.UserID
		p, err := r.market.Buy(ctx, in)
		if err != nil {
			return Result{Err: err}
		}
		if p.Closed() {
			delete(r.listings, p.Listing.ID)
		} else {
			r.listings[p.Listing.ID] = p.Listing
		}
		r.broadcast(TypeListingSold, SalePayload{Listing: p.Listing, BuyerID: p.BuyerID, Quantity: p.Quantity})
		return Result{Type: TypePurchaseSuccess, Payload: SalePayload{Listing: p.Listing, BuyerID: p.BuyerID, Quantity: p.Quantity, Total: p.Total}}

	case TypeCancelListing:
		lst, err := r.market.Cancel(ctx, r.id, cmd.ListingID, cmd.UserID)
		if err != nil {
			return Result{Err: err}
		}
		delete(r.listings, lst.ID)
		r.broadcast(TypeListingCancelled, lst)
		return Result{Type: TypeListingCancelled, Payload: lst}

	default:
		return Result{Err: fmt.Errorf("%w: unknown command %q", ledger.ErrInvalidArgument, cmd.Type)}
	}
}

func (r *Room) errorPayload(cmd Command, err error) ErrorPayload {
	if ledger.Code(err) == ledger.CodeInternal {
		r.logger.Error("command failed", slog.String("type", cmd.Type), slog.String("user_id", cmd.UserID), slog.Any("error", err))
	}
	return ErrorPayload{Code: ledger.Code(err), Message: ledger.PublicMessage(err)}
}

func (r *Room) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	active, err := r.market.Active(ctx, r.id)
	if err != nil {
		return err
	}
	r.listings = make(map[string]ledger.Listing, len(active))
	for _, lst := range active {
		r.listings[lst.ID] = lst
		r.prices.track(lst.ItemKey)
	}
	return nil
}

// reload expires overdue listings, then replaces the cache wholesale.
// Listings another sweeper expired in the meantime are announced too. When
// storage is unreachable the cache is kept and nothing is broadcast.
func (r *Room) reload(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	expired, err := r.market.ExpireOverdue(sweepCtx, r.id, r.cfg.SweepBatch)
	cancel()
	if err != nil {
		r.logger.Warn("expiry sweep incomplete", slog.Any("error", err))
	}
	for _, lst := range expired {
		delete(r.listings, lst.ID)
		r.broadcast(TypeListingExpired, lst)
	}
	prev := r.listings
	if err := r.load(ctx); err != nil {
		r.logger.Warn("reload failed", slog.Any("error", err))
		return
	}
	for id := range prev {
		if _, ok := r.listings[id]; ok {
			continue
		}
		readCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
		lst, err := r.market.Listing(readCtx, r.id, id)
		cancel()
		if err != nil {
			r.logger.Warn("read dropped listing", slog.String("listing_id", id), slog.Any("error", err))
			continue
		}
		if lst.Status == ledger.StatusExpired {
			r.broadcast(TypeListingExpired, lst)
		}
	}
	r.broadcast(TypeListings, r.snapshot())
}

func (r *Room) snapshot() []ledger.Listing {
	out := make([]ledger.Listing, 0, len(r.listings))
	for _, lst := range r.listings {
		out = append(out, lst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Room) broadcast(typ string, payload any) {
	msg, err := encode(typ, "", payload)
	if err != nil {
		r.logger.Error("encode broadcast", slog.String("type", typ), slog.Any("error", err))
		return
	}
	for _, s := range r.sessions {
		r.deliver(s, msg)
	}
}

func (r *Room) send(s *Session, typ, requestID string, payload any) {
	msg, err := encode(typ, requestID, payload)
	if err != nil {
		r.logger.Error("encode message", slog.String("type", typ), slog.Any("error", err))
		return
	}
	r.deliver(s, msg)
}

// deliver never blocks the room. A session whose buffer is full is dropped;
// its client reconnects and receives a fresh snapshot.
func (r *Room) deliver(s *Session, msg []byte) {
	select {
	case s.out <- msg:
	default:
		r.logger.Warn("session too slow, dropping", slog.String("session_id", s.ID))
		r.drop(s.ID)
	}
}
