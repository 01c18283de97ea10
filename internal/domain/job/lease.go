package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy normalises claim lease durations to whole seconds, the
// granularity the job store works in. Sub-second requests are clamped to one
// second rather than rejected so heartbeats under load never fail outright.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Resolve normalises the requested duration to whole seconds. A zero request
// falls back to the default; the second return reports whether the value was
// clamped to the one-second minimum.
func (p *LeasePolicy) Resolve(request time.Duration) (int, bool) {
	d := request
	if d == 0 && p != nil {
		d = p.defaultLease
	}
	if d < time.Second {
		return 1, true
	}
	return int(d / time.Second), false
}
