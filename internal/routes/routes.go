package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/guildhall/economy/internal/config"
	"github.com/guildhall/economy/internal/guild"
	"github.com/guildhall/economy/internal/marketroom"
	"github.com/guildhall/economy/internal/middleware"
	"github.com/guildhall/economy/internal/wallet"
)

// Deps aggregates what the routes need. DB, Cache and NATS may be nil in
// local environments.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	NATS     *nats.Conn
	Logger   *slog.Logger
	Sessions middleware.TokenVerifier

	Wallet *wallet.Handler
	Guild  *guild.Handler
	Market *marketroom.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsLocal() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("request_id").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	session := middleware.SessionAuth(d.Sessions)
	idempotent := middleware.Idempotency(d.Cache, middleware.IdempotencyConfig{TTL: d.Cfg.IdempotencyTTL}, d.Logger)
	strictIdempotent := middleware.Idempotency(d.Cache, middleware.IdempotencyConfig{TTL: d.Cfg.IdempotencyTTL, Required: true}, d.Logger)
	limit := middleware.RateLimit(d.Cache, "mutations", d.Cfg.MutationsPerMinute)

	// Group middleware applies to every path under the prefix, so each
	// group gets its own prefix.
	RegisterWalletRoutes(api, d.Wallet, session)
	RegisterWalletServiceRoutes(api.Group("/wallets", middleware.ServiceAuth(d.Cfg.ServiceToken), strictIdempotent), d.Wallet)
	RegisterGuildRoutes(api.Group("/guilds", session, limit), d.Guild, idempotent, strictIdempotent)
	RegisterMarketRoutes(api.Group("/markets", session, limit, idempotent), d.Market)
	return nil
}
