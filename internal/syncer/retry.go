package syncer

import (
	"context"
	"time"

	"github.com/fieldmark/pindrop/internal/remote"
)

// RetryPolicy is a bounded-retry policy with linear backoff, shared by
// every remote call site instead of per-call retry loops.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the backoff unit; attempt n waits n*BaseDelay.
	BaseDelay time.Duration
	// Retryable decides which errors are worth another attempt.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient remote failures up to 2 extra
// times with a 500ms linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Retryable:   remote.IsTransient,
	}
}

// Do runs fn until it succeeds, a non-retryable error occurs, attempts
// are exhausted, or ctx is cancelled. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * p.BaseDelay):
		}
	}
	return err
}
