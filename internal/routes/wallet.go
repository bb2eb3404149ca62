package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/wallet"
)

// RegisterWalletRoutes wires the session user's wallet reads. The session
// guard is per route because "/wallet" is a prefix of "/wallets".
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, session fiber.Handler) {
	r.Get("/wallet", session, h.Me)
	r.Get("/wallet/ledger", session, h.Ledger)
	r.Get("/inventory", session, h.Inventory)
}

// RegisterWalletServiceRoutes wires grant and charge for trusted services.
func RegisterWalletServiceRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/:ownerId/grant", h.Grant)
	r.Post("/:ownerId/charge", h.Charge)
}
