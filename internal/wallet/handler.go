package wallet

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/httperr"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type adjustRequest struct {
	Amount   int64          `json:"amount"`
	Reason   string         `json:"reason"`
	ActorID  string         `json:"actor_id"`
	Metadata map[string]any `json:"metadata"`
}

// Me returns the session user's wallet balance.
func (h *Handler) Me(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	bal, err := h.service.Balance(c.UserContext(), uid)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(bal)
}

// Ledger returns the session user's recent ledger entries.
func (h *Handler) Ledger(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	entries, err := h.service.History(c.UserContext(), uid, c.QueryInt("limit", 50))
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"owner_id": uid, "entries": entries})
}

// Inventory returns the session user's items.
func (h *Handler) Inventory(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	items, err := h.service.Inventory(c.UserContext(), uid)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"owner_id": uid, "items": items})
}

// Grant credits a wallet on behalf of a trusted service.
func (h *Handler) Grant(c *fiber.Ctx) error {
	return h.adjust(c, h.service.Grant)
}

// Charge debits a wallet on behalf of a trusted service.
func (h *Handler) Charge(c *fiber.Ctx) error {
	return h.adjust(c, h.service.Charge)
}

func (h *Handler) adjust(c *fiber.Ctx, op func(ctx context.Context, in AdjustInput) (Balance, error)) error {
	var req adjustRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	actor := req.ActorID
	if actor == "" {
		actor, _ = c.Locals("service_id").(string)
	}
	bal, err := op(c.UserContext(), AdjustInput{
		OwnerID:        c.Params("ownerId"),
		ActorID:        actor,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: c.Get("Idempotency-Key"),
		Metadata:       req.Metadata,
	})
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(bal)
}
