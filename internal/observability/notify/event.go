// Package notify defines the operational alert contract shared by the
// Slack and PagerDuty sinks.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert kinds emitted by the queue.
const (
	KindJobFailed       = "job_failed"
	KindBreakerTripped  = "breaker_tripped"
	KindOutboxExhausted = "outbox_exhausted"
)

// AlertPayload captures the canonical data we emit for operational alerts.
type AlertPayload struct {
	Kind       string
	JobID      string
	UseCaseID  string
	EntityType string
	EntityID   string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming operational alerts.
type Sink interface {
	SendAlert(ctx context.Context, payload AlertPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload AlertPayload) error

// SendAlert implements the Sink interface.
func (f SinkFunc) SendAlert(ctx context.Context, payload AlertPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
