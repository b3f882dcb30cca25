// Package retry retries operations with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean one call.
	MaxAttempts int
	// BaseDelay is doubled after every failed attempt, with +-25% jitter.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error that is not Permanent.
	Retryable func(error) bool
	// OnRetry, if set, is called before sleeping ahead of attempt number
	// next (2 for the first retry).
	OnRetry func(next int, err error, wait time.Duration)
}

// Do runs fn under the policy. It stops early on success, on a Permanent
// or non-retryable error, and when ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return err
		}

		wait := jittered(delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// jittered spreads d by +-25%.
func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	if jitter <= 0 {
		return d
	}
	return d - jitter + rand.N(2*jitter+1)
}
