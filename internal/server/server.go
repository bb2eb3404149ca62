package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/guildhall/economy/internal/auth"
	"github.com/guildhall/economy/internal/config"
	"github.com/guildhall/economy/internal/gateway"
	"github.com/guildhall/economy/internal/guild"
	"github.com/guildhall/economy/internal/httperr"
	"github.com/guildhall/economy/internal/infra"
	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/logging"
	"github.com/guildhall/economy/internal/market"
	"github.com/guildhall/economy/internal/marketroom"
	"github.com/guildhall/economy/internal/notification"
	"github.com/guildhall/economy/internal/routes"
	"github.com/guildhall/economy/internal/wallet"
)

const sessionTTL = 24 * time.Hour

// Backends are the connected stores. Any may be nil in local environments.
type Backends struct {
	DB        *pgxpool.Pool
	Cache     *redis.Client
	NATS      *nats.Conn
	JetStream jetstream.JetStream
}

// Server wraps the Fiber application, the websocket gateway and the
// background sweeper.
type Server struct {
	app     *fiber.App
	ws      *http.Server
	hub     *marketroom.Hub
	sweeper *market.Sweeper
	cfg     config.Config
	logger  *slog.Logger
	// runCtx scopes the sweeper; stop cancels it on Shutdown.
	runCtx  context.Context
	stop    context.CancelFunc
	started atomic.Bool
	swept   chan struct{}
}

// New builds every service and delegates route wiring to routes.Setup.
func New(cfg config.Config, b Backends, logger *slog.Logger) (*Server, error) {
	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		return nil, err
	}

	opts := []ledger.Option{ledger.WithTimeout(cfg.TxTimeout), ledger.WithMaxAttempts(cfg.TxMaxAttempts)}
	var (
		l    ledger.Ledger
		repo guild.Repository
	)
	switch {
	case b.DB != nil:
		l = ledger.NewPostgresLedger(b.DB, opts...)
		repo = guild.NewPostgresRepository(b.DB)
	case cfg.IsLocal():
		logger.Warn("no database configured, using in-memory ledger")
		l = ledger.NewInMemory(opts...)
		repo = guild.NewMemoryRepository()
	default:
		return nil, fmt.Errorf("database is required when APP_ENV=%s", cfg.AppEnv)
	}

	var notifier notification.Notifier = notification.NewLoggerNotifier(logging.Component(logger, "events"))
	if b.JetStream != nil {
		notifier = notification.NewNATSNotifier(b.JetStream, infra.EventSubjectPrefix)
	}

	secret := cfg.SessionSecret
	if secret == "" {
		logger.Warn("SESSION_SECRET not set, using a development secret")
		secret = "dev-session-secret"
	}
	sessions := auth.NewSessions(secret, sessionTTL)

	wallets := wallet.NewService(l, notifier, logging.Component(logger, "wallet"))
	guilds := guild.NewService(repo, l, notifier, logging.Component(logger, "guild"), guild.Options{
		RejectCooldown: cfg.JoinRejectCooldown,
		RequestTTL:     cfg.JoinRequestTTL,
	})
	markets := market.NewService(l, tuning, notifier, logging.Component(logger, "market"))
	hub := marketroom.NewHub(markets, marketroom.Config{
		ReloadInterval: cfg.RoomReloadInterval,
		PriceInterval:  cfg.RoomPriceInterval,
		CommandTimeout: cfg.TxTimeout,
		SweepBatch:     tuning.SweepBatchSize,
		Tuning:         tuning,
	}, logging.Component(logger, "room"))

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: httperr.Handler(logger),
	})

	if err := routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		DB:       b.DB,
		Cache:    b.Cache,
		NATS:     b.NATS,
		Logger:   logger,
		Sessions: sessions,
		Wallet:   wallet.NewHandler(wallets, logger),
		Guild:    guild.NewHandler(guilds, logger),
		Market:   marketroom.NewHandler(hub, logger),
	}); err != nil {
		hub.Close()
		return nil, err
	}

	gw := gateway.NewServer(hub, sessions, logging.Component(logger, "gateway"))
	runCtx, stop := context.WithCancel(context.Background())
	return &Server{
		app: app,
		ws: &http.Server{
			Addr:              cfg.WSAddress(),
			Handler:           gw.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:     hub,
		sweeper: market.NewSweeper(markets, guilds, cfg.SweepInterval, tuning.SweepBatchSize, logging.Component(logger, "sweeper")),
		cfg:     cfg,
		logger:  logger,
		runCtx:  runCtx,
		stop:    stop,
		swept:   make(chan struct{}),
	}, nil
}

// App exposes the Fiber application for in-process tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP API, the websocket gateway and the sweeper. It
// returns when either listener fails or both are shut down.
func (s *Server) Listen() error {
	s.started.Store(true)
	go func() {
		defer close(s.swept)
		if err := s.sweeper.Run(s.runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweeper stopped", "error", err)
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := s.ws.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket gateway: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- s.app.Listen(s.cfg.Address())
	}()

	s.logger.Info("listening", "api", s.cfg.Address(), "ws", s.cfg.WSAddress())
	if err := <-errCh; err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully stops both listeners, the rooms and the sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	if s.started.Load() {
		select {
		case <-s.swept:
		case <-ctx.Done():
		}
	}
	wsErr := s.ws.Shutdown(ctx)
	apiErr := s.app.ShutdownWithContext(ctx)
	s.hub.Close()
	return errors.Join(wsErr, apiErr)
}
