package middleware

import (
	"errors"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guildhall/economy/internal/logging"
)

type fakeVerifier map[string]string

func (f fakeVerifier) Verify(token string) (string, error) {
	if uid, ok := f[token]; ok {
		return uid, nil
	}
	return "", errors.New("bad token")
}

func whoami(c *fiber.Ctx) error {
	uid, _ := c.Locals(userIDLocal).(string)
	sid, _ := c.Locals(serviceIDLocal).(string)
	return c.JSON(fiber.Map{"user": uid, "service": sid})
}

func do(t *testing.T, app *fiber.App, method, authz string) int {
	t.Helper()
	req := httptest.NewRequest(method, "/", nil)
	if authz != "" {
		req.Header.Set(fiber.HeaderAuthorization, authz)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp.StatusCode
}

func TestSessionAuth(t *testing.T) {
	app := fiber.New()
	app.Use(SessionAuth(fakeVerifier{"good": "player-9"}))
	app.Get("/", whoami)

	if got := do(t, app, fiber.MethodGet, ""); got != fiber.StatusUnauthorized {
		t.Fatalf("missing token: %d", got)
	}
	if got := do(t, app, fiber.MethodGet, "Bearer nope"); got != fiber.StatusUnauthorized {
		t.Fatalf("bad token: %d", got)
	}
	if got := do(t, app, fiber.MethodGet, "bearer good"); got != fiber.StatusOK {
		t.Fatalf("good token: %d", got)
	}
}

func TestServiceAuth(t *testing.T) {
	app := fiber.New()
	app.Use(ServiceAuth("s3cret"))
	app.Get("/", whoami)

	if got := do(t, app, fiber.MethodGet, "Bearer wrong"); got != fiber.StatusUnauthorized {
		t.Fatalf("wrong token: %d", got)
	}
	if got := do(t, app, fiber.MethodGet, "Bearer s3cret"); got != fiber.StatusOK {
		t.Fatalf("service token: %d", got)
	}

	locked := fiber.New()
	locked.Use(ServiceAuth(""))
	locked.Get("/", whoami)
	if got := do(t, locked, fiber.MethodGet, "Bearer "); got != fiber.StatusUnauthorized {
		t.Fatalf("unset secret must lock the route: %d", got)
	}
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Use(RateLimit(cache, "test", 2))
	app.Post("/", whoami)
	app.Get("/", whoami)

	for i := 0; i < 2; i++ {
		if got := do(t, app, fiber.MethodPost, ""); got != fiber.StatusOK {
			t.Fatalf("request %d: %d", i, got)
		}
	}
	if got := do(t, app, fiber.MethodPost, ""); got != fiber.StatusTooManyRequests {
		t.Fatalf("third request: %d", got)
	}
	if got := do(t, app, fiber.MethodGet, ""); got != fiber.StatusOK {
		t.Fatalf("reads are not limited: %d", got)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })
	mr.Close()

	app := fiber.New()
	app.Use(RateLimit(cache, "test", 1))
	app.Post("/", whoami)
	for i := 0; i < 3; i++ {
		if got := do(t, app, fiber.MethodPost, ""); got != fiber.StatusOK {
			t.Fatalf("cache outage must fail open, got %d", got)
		}
	}
}

func TestRequestIDAndAudit(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID(), Audit(logging.Discard()))
	app.Get("/", func(c *fiber.Ctx) error {
		id, _ := c.Locals(requestIDLocal).(string)
		return c.SendString(id)
	})

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.Header.Get(requestIDHeader) != "req-42" {
		t.Fatalf("request id not echoed: %q", resp.Header.Get(requestIDHeader))
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected a generated request id")
	}
}
