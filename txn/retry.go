package txn

import (
	"context"
	"time"

	"github.com/pingcap/errors"

	"github.com/restsaga/restsaga/store"
)

// withRetry runs fn up to attempts times, sleeping between tries with capped
// exponential backoff. Only transient failures are retried; a permanent error
// returns at once. It returns the last error, or ctx's error if the context
// expires first; an expired context is never retried.
func withRetry(ctx context.Context, attempts int, base, ceiling time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := base
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > ceiling {
			backoff = ceiling
		}
	}
	return err
}

// retryable reports whether err might succeed on another attempt. A missing
// row or a policy rejection will not fix itself, so retrying it would only
// burn the backoff budget.
func retryable(err error) bool {
	if errors.Cause(err) == store.ErrRowNotFound {
		return false
	}
	return !IsValidation(err)
}
