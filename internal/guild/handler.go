package guild

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/httperr"
)

// Handler exposes guild treasury and join request endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler builds a guild HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

type createRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type applyRequest struct {
	Message string `json:"message"`
}

func sessionUser(c *fiber.Ctx) (string, error) {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	return uid, nil
}

// Create founds a guild led by the session user.
func (h *Handler) Create(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	g, err := h.service.CreateGuild(c.UserContext(), req.ID, req.Name, uid)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusCreated).JSON(g)
}

// Members lists the roster to members.
func (h *Handler) Members(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	members, err := h.service.Members(c.UserContext(), c.Params("guildId"), uid)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"guild_id": c.Params("guildId"), "members": members})
}

// Treasury returns the guild treasury balance to members.
func (h *Handler) Treasury(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	guildID := c.Params("guildId")
	if _, err := h.service.Role(c.UserContext(), guildID, uid); err != nil {
		return httperr.From(c, h.logger, err)
	}
	t, err := h.service.Treasury(c.UserContext(), guildID)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(t)
}

// Deposit moves gold from the session user's wallet into the treasury.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.Deposit(c.UserContext(), DepositInput{
		UserID:         uid,
		GuildID:        c.Params("guildId"),
		Amount:         req.Amount,
		IdempotencyKey: c.Get("Idempotency-Key"),
	})
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// Withdraw moves gold from the treasury to the session user's wallet.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	guildID := c.Params("guildId")
	role, err := h.service.Role(c.UserContext(), guildID, uid)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	res, err := h.service.Withdraw(c.UserContext(), WithdrawInput{
		UserID:         uid,
		GuildID:        guildID,
		Amount:         req.Amount,
		RequesterRole:  role,
		IdempotencyKey: c.Get("Idempotency-Key"),
	})
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// Apply files a join request for the session user.
func (h *Handler) Apply(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	var req applyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	jr, err := h.service.Apply(c.UserContext(), c.Params("guildId"), uid, req.Message)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusCreated).JSON(jr)
}

// Approve accepts a join request; the session user must be OFFICER or above.
func (h *Handler) Approve(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	jr, err := h.service.Approve(c.UserContext(), c.Params("guildId"), c.Params("requestId"), uid)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(jr)
}

// Reject declines a join request; the session user must be OFFICER or above.
func (h *Handler) Reject(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	jr, err := h.service.Reject(c.UserContext(), c.Params("guildId"), c.Params("requestId"), uid)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(jr)
}
