package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxRetryDelay = 1200 * time.Millisecond

// runTransfer drives one logical transfer: it applies the timeout, re-runs
// attempt after serialization conflicts with exponential backoff, and maps the
// final error onto the ledger taxonomy.
func runTransfer(ctx context.Context, name string, o Options, attempt func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	delay := o.RetryDelay
	for i := 0; i < o.MaxAttempts; i++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errSerialization) {
			return classify(ctx, name, err)
		}
		if i == o.MaxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", name, ErrTimeout)
		}
		if delay < maxRetryDelay {
			delay *= 2
		}
	}
	return fmt.Errorf("%s: %w", name, ErrRaceLost)
}

func classify(ctx context.Context, name string, err error) error {
	switch {
	case IsBusiness(err), errors.Is(err, ErrInternal):
		return err
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		ctx.Err() != nil:
		return fmt.Errorf("%s: %w", name, ErrTimeout)
	default:
		return internalErr(name, err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validatePosting(p Posting) error {
	if strings.TrimSpace(p.AccountID) == "" {
		return invalidf("account id is required")
	}
	if p.Amount <= 0 {
		return invalidf("amount must be positive, got %d", p.Amount)
	}
	return nil
}

func validateQuantity(qty int64) error {
	if qty <= 0 {
		return invalidf("quantity must be positive, got %d", qty)
	}
	return nil
}
