package core

import (
	"context"
	"encoding/json"
)

// ExecutionReport is the executor's structured verdict on one attempt.
// Classification is explicit so the state machine never has to infer
// retryability from error text.
type ExecutionReport struct {
	Output        json.RawMessage
	ModelName     string
	PromptVersion string
	ErrorCode     string
	Err           error
	Retryable     bool
	RateLimited   bool
}

// Failed reports whether the attempt produced an error.
func (r ExecutionReport) Failed() bool {
	return r.Err != nil
}

// Executor runs the actual AI computation for a claimed job. The concrete
// provider call lives outside this core; implementations must honour ctx
// cancellation and deadlines.
type Executor interface {
	Execute(ctx context.Context, useCaseID string, input json.RawMessage) ExecutionReport
}

// FallbackExecutor is an optional extension: a degraded, cheaper path used
// when the breaker is open or retries are exhausted. Results produced this
// way are recorded with is_fallback set.
type FallbackExecutor interface {
	Fallback(ctx context.Context, useCaseID string, input json.RawMessage) ExecutionReport
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, useCaseID string, input json.RawMessage) ExecutionReport

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, useCaseID string, input json.RawMessage) ExecutionReport {
	return f(ctx, useCaseID, input)
}

// EventDeliverer hands a published outbox event to its downstream transport
// (in-process hub, message broker, WebSocket broadcast). Delivery is
// at-least-once: consumers must deduplicate by event id.
type EventDeliverer interface {
	Deliver(ctx context.Context, event *DeliveredEvent) error
}

// DeliveredEvent is the transport-neutral shape handed to deliverers.
type DeliveredEvent struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// DelivererFunc adapts a function to the EventDeliverer interface.
type DelivererFunc func(ctx context.Context, event *DeliveredEvent) error

// Deliver implements EventDeliverer.
func (f DelivererFunc) Deliver(ctx context.Context, event *DeliveredEvent) error {
	return f(ctx, event)
}
