package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	userIDLocal    = "user_id"
	serviceIDLocal = "service_id"

	serviceNameHeader = "X-Service-Name"
)

// TokenVerifier resolves a session token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	authz := c.Get(fiber.HeaderAuthorization)
	if len(authz) < len("Bearer ")+1 || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return "", false
	}
	return strings.TrimSpace(authz[len("Bearer "):]), true
}

// SessionAuth requires a valid player session token and stores its user id
// in the "user_id" local.
func SessionAuth(tokens TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		uid, err := tokens.Verify(token)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid session token")
		}
		c.Locals(userIDLocal, uid)
		return c.Next()
	}
}

// ServiceAuth guards endpoints called by trusted game services. The caller
// names itself with X-Service-Name, stored in the "service_id" local.
func ServiceAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid service token")
		}
		name := strings.TrimSpace(c.Get(serviceNameHeader))
		if name == "" {
			name = "service"
		}
		c.Locals(serviceIDLocal, name)
		return c.Next()
	}
}
