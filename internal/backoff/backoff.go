// Package backoff computes retry delays for failed jobs and connector errors.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
)

// MaxAttempt is the attempt number past which the delay stops growing.
const MaxAttempt = 10

// Jitter bounds applied to every computed delay.
const (
	JitterMin = 0.85
	JitterMax = 1.15
)

// Exponential doubles the delay per consecutive failure:
// min(Cap, Base * 2^(clamp(attempt,1,10)-1) * jitter).
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a factor in [JitterMin, JitterMax]. Nil uses math/rand.
	Jitter func() float64
}

// New returns an Exponential with the default random jitter.
func New(base, maxDelay time.Duration) Exponential {
	return Exponential{Base: base, Cap: maxDelay}
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failures.
func (e Exponential) Delay(failures int) time.Duration {
	attempt := failures
	if attempt < 1 {
		attempt = 1
	}
	if attempt > MaxAttempt {
		attempt = MaxAttempt
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1)) * e.jitter()
	if e.Cap > 0 && d > float64(e.Cap) {
		return e.Cap
	}
	return time.Duration(d)
}

// DelayFor honours a retry-after hint carried by err, capped at Cap, and
// otherwise falls back to Delay.
func (e Exponential) DelayFor(failures int, err error) time.Duration {
	if hint, ok := RetryAfterHint(err); ok {
		if e.Cap > 0 && hint > e.Cap {
			return e.Cap
		}
		if hint < 0 {
			return 0
		}
		return hint
	}
	return e.Delay(failures)
}

func (e Exponential) jitter() float64 {
	if e.Jitter != nil {
		f := e.Jitter()
		return math.Min(JitterMax, math.Max(JitterMin, f))
	}
	return JitterMin + rand.Float64()*(JitterMax-JitterMin) //nolint:gosec // jitter does not need crypto rand
}

// NoJitter is a Jitter func that always returns 1.
func NoJitter() float64 { return 1 }

type retryAfterError struct {
	err   error
	after time.Duration
}

func (r *retryAfterError) Error() string { return r.err.Error() }
func (r *retryAfterError) Unwrap() error { return r.err }

// RetryAfter annotates err with an upstream retry-after hint, e.g. from a
// rate-limited API. It returns nil when err is nil.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfterHint extracts the outermost retry-after hint from err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}
