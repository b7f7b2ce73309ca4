package utils

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig bounds a retried operation: up to MaxRetries extra attempts
// after the first, full-jitter exponential backoff between attempts, and an
// optional per-attempt timeout.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Timeout bounds a single attempt. Zero disables it. A timed-out
	// attempt is abandoned (raced against a timer), not cancelled
	// mid-flight.
	Timeout time.Duration
}

// ErrAttemptTimeout marks an attempt abandoned by the per-attempt timer.
var ErrAttemptTimeout = fmt.Errorf("attempt timed out")

// Retry runs op until it succeeds or the retry budget is spent. The last
// failure is returned to the caller unchanged.
func Retry[T any](ctx context.Context, op func(ctx context.Context) (T, error), cfg RetryConfig) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		result, err := runAttempt(ctx, op, cfg.Timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries+1 {
			break
		}

		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// backoffDelay implements full jitter: rand(0, min(maxDelay, base·2^(attempt−1))).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	ceiling := base << (attempt - 1)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func runAttempt[T any](ctx context.Context, op func(ctx context.Context) (T, error), timeout time.Duration) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := op(ctx)
		done <- outcome{r, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return zero, ErrAttemptTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
