package dtx

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries. Used for
// metadata-store and cache chores where the retry policy is not dictated by
// a per-resource-type ceiling. Retryability follows ShouldRetry; permanent
// errors return immediately. If retries are exhausted, gaveUpTask is
// invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	err := retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		err := task(ctx)
		if ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil, not a context
// cancellation and not a permanent failure per the error taxonomy).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if de := (Error{}); errors.As(err, &de) {
		return IsRetryable(de)
	}
	return true
}

// ExponentialBackoff builds a go-retry backoff with an arbitrary multiplier.
// The library's own exponential doubles per attempt; phase-2 dispatch is
// specified at factor 1.5 with a hard cap, so the progression is computed
// here and handed to retry.Do as a BackoffFunc.
func ExponentialBackoff(initial time.Duration, multiplier float64, cap time.Duration) retry.Backoff {
	var mu sync.Mutex
	next := initial
	return retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		d := next
		if d > cap {
			d = cap
		}
		next = time.Duration(float64(next) * multiplier)
		if next > cap {
			next = cap
		}
		return d, false
	})
}

// WithJitter wraps a backoff adding a uniform ±pct% jitter to every delay.
func WithJitter(pct int, b retry.Backoff) retry.Backoff {
	if pct <= 0 {
		return b
	}
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if stop || d <= 0 {
			return d, stop
		}
		span := int64(d) * int64(pct) / 100
		jitterMu.Lock()
		off := jitterRNG.Int63n(2*span+1) - span
		jitterMu.Unlock()
		return time.Duration(int64(d) + off), false
	})
}
