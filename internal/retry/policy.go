// Package retry provides the supervised backoff policy used by the
// persistence pipeline.
package retry

import (
	"context"
	"time"

	kerrors "github.com/kestrelsense/kestrel/internal/errors"
)

// Sleeper abstracts the backoff wait so tests never sleep on wall clock.
type Sleeper func(ctx context.Context, d time.Duration) error

// DefaultSleeper waits on a timer or context cancellation.
func DefaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy shapes exponential backoff: Base doubling per attempt, capped at
// Cap, for at most MaxAttempts attempts.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int

	Sleeper Sleeper // nil means DefaultSleeper
}

// Delay returns the backoff before the given retry attempt. Attempt 1 is
// the first retry; attempt 0 or below yields zero delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Do runs fn up to MaxAttempts times with backoff between attempts. It stops
// early on success, on a non-retryable error, or when the context is
// cancelled mid-backoff. When all attempts fail the last error is wrapped
// with the retries-exhausted code.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleeper
	if sleep == nil {
		sleep = DefaultSleeper
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !kerrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}

	return kerrors.Wrap(kerrors.ErrCategoryPersistence, kerrors.CodeRetriesExhausted,
		"retries exhausted", lastErr)
}
