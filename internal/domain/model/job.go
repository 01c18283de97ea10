// Package model defines the core data types and structures used throughout the AI job queue.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current lifecycle state of an AI job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting to be claimed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a job is currently being executed.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates a job finished and produced an output.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates a job failed terminally.
	JobStatusFailed JobStatus = "failed"
	// JobStatusSkipped indicates a job was deliberately not executed
	// (circuit breaker open at claim time with no remaining deferrals).
	JobStatusSkipped JobStatus = "skipped"
	// JobStatusCancelled indicates a job was cancelled before producing a result.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsAvailable is returned when no eligible jobs can be claimed.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded,
		JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env/query parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*s = v
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", string(text))
}

// Job represents one unit of AI work with all of its scheduling, outcome, and audit metadata.
type Job struct {
	ID               string          `json:"id"                           db:"id"`
	IdempotencyKey   *string         `json:"idempotency_key,omitempty"    db:"idempotency_key"`
	InputFingerprint string          `json:"input_fingerprint"            db:"input_fingerprint"`
	UseCaseID        string          `json:"use_case_id"                  db:"use_case_id"`
	Priority         int             `json:"priority"                     db:"priority"`
	Status           JobStatus       `json:"status"                       db:"status"`
	EntityType       string          `json:"entity_type"                  db:"entity_type"`
	EntityID         string          `json:"entity_id"                    db:"entity_id"`
	InputJSON        json.RawMessage `json:"input_json"                   db:"input_json"`
	ModelName        *string         `json:"model_name,omitempty"         db:"model_name"`
	PromptVersion    *string         `json:"prompt_version,omitempty"     db:"prompt_version"`
	OutputJSON       json.RawMessage `json:"output_json,omitempty"        db:"output_json"`
	Attempt          int             `json:"attempt"                      db:"attempt"`
	MaxAttempts      int             `json:"max_attempts"                 db:"max_attempts"`
	NotBefore        *time.Time      `json:"not_before,omitempty"         db:"not_before"`
	ErrorCode        *string         `json:"error_code,omitempty"         db:"error_code"`
	ErrorMessage     *string         `json:"error_message,omitempty"      db:"error_message"`
	IsFallback       bool            `json:"is_fallback"                  db:"is_fallback"`
	ProcessingTimeMs *int64          `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"   db:"lease_expires_at"`
	CreatedBy        *string         `json:"created_by,omitempty"         db:"created_by"`
	CreatedAt        time.Time       `json:"created_at"                   db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"                   db:"updated_at"`
}

// SubmitJobRequest represents a request to enqueue a new AI job.
type SubmitJobRequest struct {
	UseCaseID      string          `json:"use_case_id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Priority       int             `json:"priority,omitempty"`
	Input          json.RawMessage `json:"input"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	CreatedBy      *string         `json:"created_by,omitempty"`
}

// Validate validates the SubmitJobRequest fields.
func (r *SubmitJobRequest) Validate() error {
	if strings.TrimSpace(r.UseCaseID) == "" {
		return errors.New("use case id is required")
	}
	if strings.TrimSpace(r.EntityType) == "" {
		return errors.New("entity type is required")
	}
	if strings.TrimSpace(r.EntityID) == "" {
		return errors.New("entity id is required")
	}
	if len(r.Input) == 0 {
		return errors.New("input is required")
	}
	if !json.Valid(r.Input) {
		return errors.New("input must be valid JSON")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	if r.IdempotencyKey != nil && strings.TrimSpace(*r.IdempotencyKey) == "" {
		return errors.New("idempotency key must not be blank when supplied")
	}
	return nil
}

// Fingerprint derives the advisory input fingerprint from the normalized payload.
// It is stable across whitespace and key-order differences in the input JSON.
func (r *SubmitJobRequest) Fingerprint() string {
	normalized := normalizeJSON(r.Input)
	sum := sha256.Sum256([]byte(r.UseCaseID + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// normalizeJSON re-marshals the raw payload so semantically identical inputs
// hash identically. Invalid JSON hashes as-is; Validate rejects it before the
// fingerprint is ever persisted.
func normalizeJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// JobStats represents counts of jobs in each lifecycle state.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// JobListOptions controls filtering and pagination for job listings.
type JobListOptions struct {
	UseCaseID  string
	EntityType string
	EntityID   string
	Status     JobStatus
	Limit      int
	Offset     int
}
