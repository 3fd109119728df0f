// Package retry runs an operation under an explicit attempt/backoff policy.
//
// The policy is a plain value so callers can construct it from config and
// tests can swap the Clock for one that records sleeps instead of waiting.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Clock abstracts waiting between attempts.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock sleeps on real timers and wakes early when ctx is done.
type SystemClock struct{}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Multiplier grows the delay after each failed attempt; values below 1 mean a fixed delay.
	Multiplier float64
	// MaxDelay caps any single wait; zero means uncapped.
	MaxDelay time.Duration

	// Retryable reports whether a failed attempt may be retried. Nil retries everything
	// except errors wrapped with Permanent.
	Retryable func(error) bool
	// RetryAfter lets an error suggest a longer wait (e.g. a Retry-After header).
	RetryAfter func(error) (time.Duration, bool)
	// OnRetry is invoked before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)

	Clock Clock
}

// Exponential returns a policy whose delay doubles from base up to max.
func Exponential(attempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: base, Multiplier: 2, MaxDelay: max}
}

// Fixed returns a policy that waits the same delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: delay, Multiplier: 1, MaxDelay: delay}
}

// Delay returns the wait that follows the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// It returns the number of attempts made alongside the final error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clock := p.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				return attempt - 1, cerr
			}
			return attempt - 1, errors.Join(cerr, err)
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}
		if attempt == attempts {
			break
		}
		d := p.Delay(attempt)
		if p.RetryAfter != nil {
			if hint, ok := p.RetryAfter(err); ok && hint > d {
				d = hint
				if p.MaxDelay > 0 && d > p.MaxDelay {
					d = p.MaxDelay
				}
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, d, err)
		}
		if serr := clock.Sleep(ctx, d); serr != nil {
			return attempt, errors.Join(serr, err)
		}
	}
	return attempts, err
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do stops retrying and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
