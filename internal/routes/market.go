package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/marketroom"
)

// RegisterMarketRoutes wires listing commands.
func RegisterMarketRoutes(r fiber.Router, h *marketroom.Handler) {
	r.Get("/:marketId/listings", h.Listings)
	r.Post("/:marketId/listings", h.Create)
	r.Post("/:marketId/listings/:listingId/buy", h.Buy)
	r.Post("/:marketId/listings/:listingId/cancel", h.Cancel)
}
