package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds occurs when a pre-check read shows the source balance
	// cannot cover the requested amount. No transaction is started.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRaceLost indicates a conditional update inside a transaction matched no
	// row because a concurrent writer already changed the value. The caller must
	// re-read state before deciding to retry.
	ErrRaceLost = errors.New("race lost to concurrent transaction")

	// ErrTimeout indicates the transaction exceeded its bound and was rolled back.
	ErrTimeout = errors.New("transaction timed out")

	// ErrNotFound indicates a referenced wallet, treasury, listing or guild does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the operation is not permitted in the current
	// state, for example buying a listing that is no longer active.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument indicates malformed input such as a non-positive amount.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrForbidden indicates the actor lacks the role or ownership required.
	ErrForbidden = errors.New("forbidden")

	// ErrDuplicateTransaction indicates the idempotency key was already claimed by
	// a committed transaction.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInternal wraps unexpected store failures. Details stay in logs.
	ErrInternal = errors.New("internal ledger failure")
)

// errSerialization marks a store-level serialization conflict. The coordinator
// re-runs the whole body on it; it never escapes the package.
var errSerialization = errors.New("serialization conflict")

// IsBusiness reports whether err is a typed business failure that callers are
// expected to handle rather than log as an incident.
func IsBusiness(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrRaceLost),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrDuplicateTransaction):
		return true
	default:
		return false
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func internalErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}

// Protocol error codes reported to live sessions.
const (
	CodeInsufficientFunds = "E_INSUFFICIENT_FUNDS"
	CodeRaceLost          = "E_RACE_LOST"
	CodeTimeout           = "E_TIMEOUT"
	CodeNotFound          = "E_NOT_FOUND"
	CodeInvalidState      = "E_INVALID_STATE"
	CodeBadRequest        = "E_BAD_REQUEST"
	CodeForbidden         = "E_FORBIDDEN"
	CodeDuplicate         = "E_DUPLICATE"
	CodeInternal          = "E_INTERNAL"
	CodeUnauthorized      = "E_UNAUTHORIZED"
	CodeRateLimited       = "E_RATE_LIMITED"
)

// Code maps err onto a stable protocol error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrRaceLost):
		return CodeRaceLost
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrInvalidArgument):
		return CodeBadRequest
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrDuplicateTransaction):
		return CodeDuplicate
	default:
		return CodeInternal
	}
}

// PublicMessage returns text safe to show an end user. Internal failures are
// reduced to a generic message.
func PublicMessage(err error) string {
	if IsBusiness(err) || errors.Is(err, ErrTimeout) {
		return err.Error()
	}
	return "internal error"
}
