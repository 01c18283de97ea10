// Package job holds scheduling policies for the AI job queue: retry backoff,
// claim leases, and queue-availability notification.
package job

import (
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidBackoff indicates the backoff policy was configured with
// non-positive durations.
var ErrInvalidBackoff = errors.New("backoff base and max must be positive")

// BackoffPolicy computes the delay before a failed job becomes eligible again.
// Delays grow exponentially with the attempt count and carry random jitter so
// concurrent retries do not thundering-herd the provider.
type BackoffPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter time.Duration
	rand   *rand.Rand
}

// BackoffOptions configure a BackoffPolicy.
type BackoffOptions struct {
	Base   time.Duration // delay for attempt 0; doubles each attempt
	Max    time.Duration // cap applied after jitter
	Jitter time.Duration // uniform random addition in [0, Jitter)
	Rand   *rand.Rand    // optional deterministic source for tests
}

// NewBackoffPolicy constructs a BackoffPolicy.
func NewBackoffPolicy(opts BackoffOptions) (*BackoffPolicy, error) {
	if opts.Base <= 0 || opts.Max <= 0 {
		return nil, ErrInvalidBackoff
	}
	jitter := opts.Jitter
	if jitter < 0 {
		jitter = 0
	}
	return &BackoffPolicy{
		base:   opts.Base,
		max:    opts.Max,
		jitter: jitter,
		rand:   opts.Rand,
	}, nil
}

// Delay returns the backoff duration for the given attempt count (0-based).
// The result is monotonically non-decreasing in attempt up to the cap.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.base
	for range attempt {
		if d >= p.max {
			d = p.max
			break
		}
		d *= 2
	}
	if d > p.max {
		d = p.max
	}

	if p.jitter > 0 {
		d += p.randomJitter()
		if d > p.max {
			d = p.max
		}
	}
	return d
}

// NextEligibleAt returns the earliest instant a job failing its attempt-th
// attempt at now may be claimed again.
func (p *BackoffPolicy) NextEligibleAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

func (p *BackoffPolicy) randomJitter() time.Duration {
	if p.rand != nil {
		return time.Duration(p.rand.Int64N(int64(p.jitter)))
	}
	return time.Duration(rand.Int64N(int64(p.jitter)))
}
