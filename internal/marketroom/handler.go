package marketroom

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/httperr"
	"github.com/guildhall/economy/internal/market"
)

// Handler exposes listing commands over HTTP. Commands run in the market's
// room so they are ordered and broadcast like websocket commands.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler builds a marketplace HTTP handler.
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

type buyRequest struct {
	Quantity int64 `json:"quantity"`
}

func sessionUser(c *fiber.Ctx) (string, error) {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	return uid, nil
}

// Listings returns the room's cached ACTIVE listings.
func (h *Handler) Listings(c *fiber.Ctx) error {
	room, err := h.hub.Room(c.Params("marketId"))
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	listings, err := room.Listings(c.UserContext())
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"market_id": room.ID(), "listings": listings})
}

// Create lists items from the session user's inventory.
func (h *Handler) Create(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	var req CreatePayload
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := sameUser(req.UserID, uid); err != nil {
		return httperr.From(c, h.logger, err)
	}
	return h.run(c, http.StatusCreated, Command{
		Type:   TypeCreateListing,
		UserID: uid,
		Create: market.CreateInput{
			ItemKey:      strings.TrimSpace(req.ItemKey),
			Quantity:     req.Quantity,
			PricePerUnit: req.PricePerUnit,
			Duration:     time.Duration(req.Duration),
		},
	})
}

// Buy purchases from a listing; an empty body buys everything left.
func (h *Handler) Buy(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	var req buyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	id := c.Params("listingId")
	return h.run(c, http.StatusOK, Command{
		Type:      TypeBuyListing,
		UserID:    uid,
		ListingID: id,
		Buy:       market.BuyInput{ListingID: id, BuyerID: uid, Quantity: req.Quantity},
	})
}

// Cancel closes the session user's listing.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	uid, err := sessionUser(c)
	if err != nil {
		return err
	}
	return h.run(c, http.StatusOK, Command{Type: TypeCancelListing, UserID: uid, ListingID: c.Params("listingId")})
}

func (h *Handler) run(c *fiber.Ctx, status int, cmd Command) error {
	cmd.RequestID = c.Get(fiber.HeaderXRequestID)
	res, err := h.hub.Do(c.UserContext(), c.Params("marketId"), cmd)
	if err != nil {
		return httperr.From(c, h.logger, err)
	}
	if res.Err != nil {
		return httperr.From(c, h.logger, res.Err)
	}
	return c.Status(status).JSON(fiber.Map{"type": res.Type, "payload": res.Payload})
}
