package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/ledger"
)

func TestStatus(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("debit: %w", ledger.ErrRaceLost): http.StatusConflict,
		ledger.ErrInsufficientFunds:                 http.StatusUnprocessableEntity,
		ledger.ErrTimeout:                           http.StatusGatewayTimeout,
		ledger.ErrNotFound:                          http.StatusNotFound,
		errors.New("pool closed"):                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := Status(err); got != want {
			t.Fatalf("%v: expected %d got %d", err, want, got)
		}
	}
}

func TestPublicMessageHidesInternal(t *testing.T) {
	err := fmt.Errorf("%w: dial tcp 10.0.0.3:5432", ledger.ErrInternal)
	if msg := ledger.PublicMessage(err); msg != "internal error" {
		t.Fatalf("leaked internal detail: %s", msg)
	}
}

func TestFromWritesEnvelope(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: Handler(nil)})
	app.Get("/funds", func(c *fiber.Ctx) error {
		return From(c, nil, fmt.Errorf("wallet w1: %w", ledger.ErrInsufficientFunds))
	})
	app.Get("/teapot", func(c *fiber.Ctx) error {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/funds", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body Body
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusUnprocessableEntity || body.Code != ledger.CodeInsufficientFunds {
		t.Fatalf("unexpected %d %+v", resp.StatusCode, body)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/teapot", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.StatusCode)
	}
}
