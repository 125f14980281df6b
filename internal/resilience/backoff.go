package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/chanforge/ingestfab/internal/errs"
)

// BackoffOpts configures exponential backoff with jitter.
type BackoffOpts struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxAttempts int
}

// DefaultBackoffOpts matches the scheduler's job-retry defaults.
var DefaultBackoffOpts = BackoffOpts{
	Initial:     1 * time.Second,
	Max:         30 * time.Second,
	Multiplier:  2.0,
	MaxAttempts: 3,
}

// Retry calls f until it succeeds, returns a terminal-skip/fatal error
// (per internal/errs), or exhausts MaxAttempts. A RateLimited error's
// advised retry interval overrides the computed backoff delay.
func Retry(ctx context.Context, opts BackoffOpts, f func(ctx context.Context) error) error {
	delay := opts.Initial
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := f(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		wait := delay
		if ra, ok := errs.RetryAfter(err); ok {
			wait = ra
		}
		wait = withJitter(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * opts.Multiplier)
		if delay > opts.Max {
			delay = opts.Max
		}
	}
	return lastErr
}

// withJitter returns d plus up to 20% random jitter, so a herd of workers
// retrying the same failed provider don't all wake up at once.
func withJitter(d time.Duration) time.Duration {
	fifth := int64(d) / 5
	if fifth <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(fifth))
}
