package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// OutboxStatus represents the delivery state of an outbox event.
type OutboxStatus string

const (
	// OutboxStatusPending indicates the event has not been delivered yet.
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusPublished indicates the event was delivered downstream.
	OutboxStatusPublished OutboxStatus = "published"
	// OutboxStatusFailed indicates delivery exhausted its retry ceiling.
	// Failed rows are kept for operational alerting, never silently dropped.
	OutboxStatusFailed OutboxStatus = "failed"
)

// Valid returns true if the OutboxStatus is valid.
func (s OutboxStatus) Valid() bool {
	return s == OutboxStatusPending || s == OutboxStatusPublished || s == OutboxStatusFailed
}

// AggregateType is the closed set of domain aggregates outbox events describe.
type AggregateType string

const (
	// AggregateJob marks events about an AI job's lifecycle.
	AggregateJob AggregateType = "ai_job"
	// AggregateResult marks events about a human review decision.
	AggregateResult AggregateType = "ai_result"
)

// Valid returns true if the AggregateType is one of the closed set.
func (a AggregateType) Valid() bool {
	return a == AggregateJob || a == AggregateResult
}

// Event type names emitted by this core.
const (
	EventJobSucceeded   = "ai_job.succeeded"
	EventJobFailed      = "ai_job.failed"
	EventJobSkipped     = "ai_job.skipped"
	EventJobRetrying    = "ai_job.retrying"
	EventJobCancelled   = "ai_job.cancelled"
	EventResultAccepted = "ai_result.accepted"
	EventResultRejected = "ai_result.rejected"
)

// EventMetadata carries actor/tenant/correlation context alongside the payload.
type EventMetadata struct {
	ActorID       string `json:"actor_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// OutboxEvent is the durable record of a fact that must reach other subsystems.
// Rows are written in the same transaction as the mutation they describe.
type OutboxEvent struct {
	ID            string          `json:"id"                     db:"id"`
	EventType     string          `json:"event_type"             db:"event_type"`
	AggregateType AggregateType   `json:"aggregate_type"         db:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"           db:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"                db:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"     db:"metadata"`
	Status        OutboxStatus    `json:"status"                 db:"status"`
	RetryCount    int             `json:"retry_count"            db:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"   db:"last_error"`
	CreatedAt     time.Time       `json:"created_at"             db:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty" db:"published_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// AppendEventRequest describes an event to append to the outbox.
type AppendEventRequest struct {
	EventType     string          `json:"event_type"`
	AggregateType AggregateType   `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      *EventMetadata  `json:"metadata,omitempty"`
}

// Validate validates the AppendEventRequest fields.
func (r *AppendEventRequest) Validate() error {
	if strings.TrimSpace(r.EventType) == "" {
		return errors.New("event type is required")
	}
	if !r.AggregateType.Valid() {
		return errors.New("invalid aggregate type")
	}
	if strings.TrimSpace(r.AggregateID) == "" {
		return errors.New("aggregate id is required")
	}
	if len(r.Payload) == 0 || !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}
