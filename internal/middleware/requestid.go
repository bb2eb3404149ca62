package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	requestIDHeader = fiber.HeaderXRequestID
	requestIDLocal  = "request_id"
)

// RequestID keeps the caller's X-Request-ID or assigns one, echoes it on the
// response and stores it for logging and room commands.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
			c.Request().Header.Set(requestIDHeader, reqID)
		}
		c.Set(requestIDHeader, reqID)
		c.Locals(requestIDLocal, reqID)
		return c.Next()
	}
}
