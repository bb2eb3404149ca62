package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/guild"
)

// RegisterGuildRoutes wires treasury and join request endpoints. Treasury
// movements must carry an Idempotency-Key; other mutations may.
func RegisterGuildRoutes(r fiber.Router, h *guild.Handler, idempotent, required fiber.Handler) {
	r.Post("", idempotent, h.Create)
	r.Get("/:guildId/members", h.Members)
	r.Get("/:guildId/treasury", h.Treasury)
	r.Post("/:guildId/treasury/deposit", required, h.Deposit)
	r.Post("/:guildId/treasury/withdraw", required, h.Withdraw)
	r.Post("/:guildId/join-requests", idempotent, h.Apply)
	r.Post("/:guildId/join-requests/:requestId/approve", idempotent, h.Approve)
	r.Post("/:guildId/join-requests/:requestId/reject", idempotent, h.Reject)
}
