package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff. Every call site that talks
// to a rate-limited external service goes through the same policy instead of
// hand-rolling its own sleep loop.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for the exponential growth
	Jitter      time.Duration // uniform random addition to each delay
}

// Default is the policy used against the generation capability: 4 attempts,
// 3s base, doubling, capped at 30s.
var Default = Policy{
	MaxAttempts: 4,
	BaseDelay:   3 * time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      2 * time.Second,
}

// Delay returns the sleep duration before attempt n (0-based; Delay(0) is the
// wait after the first failure).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// transientError marks an error as retryable under a Policy.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so Retry will attempt again. Permanent errors are
// returned unwrapped and abort immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Retry runs fn until it succeeds, returns a permanent error, or the policy's
// attempt budget is spent. The last error is returned unwrapped from its
// transient marker. Cancellation aborts between attempts.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		last = errors.Unwrap(err)

		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return last
}
