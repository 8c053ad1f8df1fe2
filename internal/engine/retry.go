package engine

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy describes the fixed-delay retry loop used around vendor
// fetches. Attempts beyond the first only happen on an empty result or a
// transient failure; the first non-empty success stops the loop early.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// Delay is the fixed sleep between attempts.
	Delay time.Duration
	// Jitter, when non-zero, adds up to this much random extra sleep.
	Jitter time.Duration
}

// DefaultRetryPolicy mirrors common vendor settings: three attempts, thirty
// seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 30 * time.Second}
}

// WithRetry runs fn until it returns a non-empty result, the attempts are
// exhausted, or ctx is cancelled. fn is invoked fresh each attempt so callers
// can re-stamp time windows to "now".
//
// Exhaustion semantics: if every attempt failed, the last error is returned;
// if at least one attempt succeeded with an empty result, the empty result is
// returned without error (no data is not a failure). Cancellation interrupts
// the sleep immediately.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, onRetry func(attempt int), fn func(ctx context.Context) ([]T, error)) ([]T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	sawEmptySuccess := false

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && onRetry != nil {
			onRetry(attempt)
		}

		result, err := fn(ctx)
		if err == nil {
			if len(result) > 0 {
				return result, nil
			}
			sawEmptySuccess = true
		} else {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		}

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, policy.sleepFor()); err != nil {
			return nil, err
		}
	}

	if sawEmptySuccess {
		return nil, nil
	}
	return nil, lastErr
}

func (p RetryPolicy) sleepFor() time.Duration {
	d := p.Delay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
