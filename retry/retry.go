// Package retry provides exponential backoff with jitter, both as a blocking
// helper (Do) and as an explicit attempt tracker for callers that schedule
// their own retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries   = 3
	DefaultFirstBackoff = 100 * time.Millisecond
	DefaultMaxBackoff   = 30 * time.Second
	DefaultJitterFactor = 0.5
	DefaultMultiplier   = 2.0
)

// Policy configures exponential backoff.
//
// The delay before retry n (0-based) is FirstBackoff * Multiplier^n, capped at
// MaxBackoff, then spread by +/- JitterFactor.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means a single attempt.
	MaxRetries int

	// FirstBackoff is the delay before the first retry.
	FirstBackoff time.Duration

	// MaxBackoff caps any single delay.
	MaxBackoff time.Duration

	// JitterFactor in [0, 1] randomizes delays to avoid synchronized retries.
	JitterFactor float64

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// IsRetryable decides whether an error is worth another attempt.
	// Nil means DefaultIsRetryable.
	IsRetryable func(error) bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   DefaultMaxRetries,
		FirstBackoff: DefaultFirstBackoff,
		MaxBackoff:   DefaultMaxBackoff,
		JitterFactor: DefaultJitterFactor,
		Multiplier:   DefaultMultiplier,
		IsRetryable:  DefaultIsRetryable,
	}
}

// Normalize fills zero values with defaults and clamps out-of-range values.
func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.FirstBackoff <= 0 {
		p.FirstBackoff = DefaultFirstBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.FirstBackoff {
		p.MaxBackoff = p.FirstBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultMultiplier
	}
	p.JitterFactor = min(max(p.JitterFactor, 0), 1)
	if p.IsRetryable == nil {
		p.IsRetryable = DefaultIsRetryable
	}
	return p
}

// Backoff returns the delay before retry n (0-based).
func (p Policy) Backoff(n int) time.Duration {
	p = p.Normalize()
	backoff := float64(p.FirstBackoff) * math.Pow(p.Multiplier, float64(max(n, 0)))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.JitterFactor > 0 {
		spread := backoff * p.JitterFactor
		backoff = backoff - spread + rand.Float64()*2*spread
	}
	return time.Duration(backoff)
}

// Tracker follows one operation through its attempts:
//
//	attempting -> (waiting -> attempting)* -> exhausted
//
// It holds no timers; the caller sleeps for the delay Next returns.
type Tracker struct {
	policy   Policy
	attempts int
}

// Track starts a tracker. previous is the number of attempts already spent,
// for instance by another node before a redelivery.
func (p Policy) Track(previous int) *Tracker {
	return &Tracker{policy: p.Normalize(), attempts: max(previous, 0)}
}

// Attempts returns the number of failed attempts recorded so far.
func (t *Tracker) Attempts() int {
	return t.attempts
}

// Exhausted reports whether no retry is left.
func (t *Tracker) Exhausted() bool {
	return t.attempts > t.policy.MaxRetries
}

// Next records a failed attempt. It returns the delay before the next attempt,
// or false when the retries are exhausted.
func (t *Tracker) Next() (time.Duration, bool) {
	t.attempts++
	if t.Exhausted() {
		return 0, false
	}
	return t.policy.Backoff(t.attempts - 1), true
}

// Sentinel errors.
var (
	// ErrNotRetryable marks an error that stopped retries early.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is returned when all attempts failed.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled is returned when the context ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// Func is an operation that may be retried.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted or ctx ends.
func Do(ctx context.Context, p Policy, fn Func) error {
	p = p.Normalize()
	tracker := p.Track(0)

	for {
		if err := ctx.Err(); err != nil {
			return &Error{Attempts: tracker.Attempts(), Err: ErrContextCanceled, Cause: err}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.IsRetryable(err) {
			return &Error{Attempts: tracker.Attempts() + 1, Err: ErrNotRetryable, Cause: err}
		}

		delay, ok := tracker.Next()
		if !ok {
			return &Error{Attempts: tracker.Attempts(), Err: ErrMaxRetries, Cause: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{Attempts: tracker.Attempts(), Err: ErrContextCanceled, Cause: err}
		case <-timer.C:
		}
	}
}

// Error describes a failed retried operation.
type Error struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
	// Cause is the last error observed.
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// DefaultIsRetryable retries everything except errors marked with MarkNotRetryable.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// MarkNotRetryable wraps err so that DefaultIsRetryable rejects it.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &notRetryableError{cause: err}
}

type notRetryableError struct {
	cause error
}

func (e *notRetryableError) Error() string   { return e.cause.Error() }
func (e *notRetryableError) Unwrap() error   { return e.cause }
func (e *notRetryableError) Retryable() bool { return false }
