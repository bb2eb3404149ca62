// Package httperr converts ledger errors into fiber errors.
package httperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/guildhall/economy/internal/ledger"
)

// Status returns the HTTP status for a ledger error.
func Status(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrRaceLost),
		errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope returned by every endpoint.
type Body struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// From writes the error envelope for err, logging internal failures with the route.
func From(c *fiber.Ctx, logger *slog.Logger, err error) error {
	status := Status(err)
	if status == http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", slog.String("path", c.Path()), slog.Any("error", err))
	}
	return c.Status(status).JSON(Body{Code: ledger.Code(err), Error: ledger.PublicMessage(err)})
}

// Handler is a fiber ErrorHandler that renders *fiber.Error values and
// anything else that escaped a handler in the same envelope.
func Handler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(Body{Code: codeForStatus(fe.Code), Error: fe.Message})
		}
		return From(c, logger, err)
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		return ledger.CodeBadRequest
	case http.StatusUnauthorized:
		return ledger.CodeUnauthorized
	case http.StatusForbidden:
		return ledger.CodeForbidden
	case http.StatusNotFound:
		return ledger.CodeNotFound
	case http.StatusConflict:
		return ledger.CodeInvalidState
	case http.StatusTooManyRequests:
		return ledger.CodeRateLimited
	default:
		return ledger.CodeInternal
	}
}
