package guild

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/logging"
)

func setupHandlerApp(t *testing.T) (*fiber.App, ledger.Ledger, Repository) {
	t.Helper()
	led := ledger.NewInMemory()
	svc, repo := setup(t, led)
	h := NewHandler(svc, logging.Discard())

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-Test-User"))
		return c.Next()
	})
	app.Get("/guilds/:guildId/treasury", h.Treasury)
	app.Post("/guilds/:guildId/treasury/deposit", h.Deposit)
	app.Post("/guilds/:guildId/treasury/withdraw", h.Withdraw)
	app.Post("/guilds/:guildId/join-requests", h.Apply)
	app.Post("/guilds/:guildId/join-requests/:requestId/approve", h.Approve)
	return app, led, repo
}

func post(t *testing.T, app *fiber.App, path, user, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set("X-Test-User", user)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHandlerWithdrawForbiddenForMember(t *testing.T) {
	app, led, repo := setupHandlerApp(t)
	SetRole(repo, "g1", "bob", RoleMember)
	ledger.SeedTreasury(led, "g1", 500)

	status, body := post(t, app, "/guilds/g1/treasury/withdraw", "bob", `{"amount":100}`)
	if status != fiber.StatusForbidden {
		t.Fatalf("expected 403 got %d", status)
	}
	if body["code"] != ledger.CodeForbidden {
		t.Fatalf("expected forbidden code, got %v", body["code"])
	}

	status, _ = post(t, app, "/guilds/g1/treasury/withdraw", "leader", `{"amount":100}`)
	if status != fiber.StatusOK {
		t.Fatalf("leader withdraw expected 200 got %d", status)
	}
	if bal, _ := led.TreasuryBalance(t.Context(), "g1"); bal != 400 {
		t.Fatalf("expected treasury 400, got %d", bal)
	}
}

func TestHandlerDepositInsufficientFunds(t *testing.T) {
	app, led, repo := setupHandlerApp(t)
	SetRole(repo, "g1", "bob", RoleMember)
	ledger.SeedWallet(led, "bob", 50)

	status, body := post(t, app, "/guilds/g1/treasury/deposit", "bob", `{"amount":100}`)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", status)
	}
	if body["code"] != ledger.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds code, got %v", body["code"])
	}
}

func TestHandlerJoinFlow(t *testing.T) {
	app, _, _ := setupHandlerApp(t)

	status, body := post(t, app, "/guilds/g1/join-requests", "erin", `{"message":"hi"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("expected 201 got %d", status)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("expected request id in %v", body)
	}

	status, _ = post(t, app, "/guilds/g1/join-requests", "erin", `{"message":"hi again"}`)
	if status != fiber.StatusConflict {
		t.Fatalf("duplicate pending expected 409 got %d", status)
	}

	status, _ = post(t, app, "/guilds/g1/join-requests/"+id+"/approve", "erin", ``)
	if status != fiber.StatusForbidden {
		t.Fatalf("applicant approving expected 403 got %d", status)
	}
	status, body = post(t, app, "/guilds/g1/join-requests/"+id+"/approve", "leader", ``)
	if status != fiber.StatusOK || body["status"] != string(JoinApproved) {
		t.Fatalf("approve: %d %v", status, body)
	}
}

func TestHandlerRequiresSession(t *testing.T) {
	app, _, _ := setupHandlerApp(t)
	status, _ := post(t, app, "/guilds/g1/treasury/deposit", "", `{"amount":1}`)
	if status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", status)
	}
}
