package model

import "time"

// CircuitBreakerState tracks failure history for one use case. The row is the
// unit of breaker isolation shared by all dispatcher instances.
type CircuitBreakerState struct {
	UseCaseID           string     `json:"use_case_id"               db:"use_case_id"`
	ConsecutiveFailures int        `json:"consecutive_failures"      db:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"  db:"cooldown_until"`
	TripCount           int        `json:"trip_count"                db:"trip_count"`
	TotalFailures       int64      `json:"total_failures"            db:"total_failures"`
	TotalSuccesses      int64      `json:"total_successes"           db:"total_successes"`
	UpdatedAt           time.Time  `json:"updated_at"                db:"updated_at"`
}

// Open reports whether the breaker is in cooldown at the given instant.
func (s *CircuitBreakerState) Open(now time.Time) bool {
	return s != nil && s.CooldownUntil != nil && s.CooldownUntil.After(now)
}
