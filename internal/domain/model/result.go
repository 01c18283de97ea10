package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// AffectedEntity identifies a domain object mutated as a consequence of
// accepting an AI result.
type AffectedEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Result records the human disposition on a succeeded job's output.
// A Result is accepted or rejected, never both, and is immutable once decided.
type Result struct {
	JobID            string           `json:"job_id"                      db:"job_id"`
	AcceptedBy       *string          `json:"accepted_by,omitempty"       db:"accepted_by"`
	AcceptedAt       *time.Time       `json:"accepted_at,omitempty"       db:"accepted_at"`
	RejectedBy       *string          `json:"rejected_by,omitempty"       db:"rejected_by"`
	RejectedAt       *time.Time       `json:"rejected_at,omitempty"       db:"rejected_at"`
	RejectionReason  *string          `json:"rejection_reason,omitempty"  db:"rejection_reason"`
	AppliedAction    *string          `json:"applied_action,omitempty"    db:"applied_action"`
	BeforeSnapshot   json.RawMessage  `json:"before_snapshot,omitempty"   db:"before_snapshot"`
	AfterSnapshot    json.RawMessage  `json:"after_snapshot,omitempty"    db:"after_snapshot"`
	AffectedEntities []AffectedEntity `json:"affected_entities,omitempty" db:"affected_entities"`
	CreatedAt        time.Time        `json:"created_at"                  db:"created_at"`
}

// Decided reports whether the result already carries an accept or reject decision.
func (r *Result) Decided() bool {
	return r != nil && (r.AcceptedAt != nil || r.RejectedAt != nil)
}

// DecidedAt returns the decision timestamp, or nil when undecided.
func (r *Result) DecidedAt() *time.Time {
	if r == nil {
		return nil
	}
	if r.AcceptedAt != nil {
		return r.AcceptedAt
	}
	return r.RejectedAt
}

// AcceptResultRequest captures an operator accepting a job's output.
type AcceptResultRequest struct {
	JobID            string           `json:"job_id"`
	ActorID          string           `json:"actor_id"`
	AppliedAction    string           `json:"applied_action"`
	BeforeSnapshot   json.RawMessage  `json:"before_snapshot,omitempty"`
	AfterSnapshot    json.RawMessage  `json:"after_snapshot,omitempty"`
	AffectedEntities []AffectedEntity `json:"affected_entities,omitempty"`
}

// Validate validates the AcceptResultRequest fields.
func (r *AcceptResultRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(r.ActorID) == "" {
		return errors.New("actor id is required")
	}
	if strings.TrimSpace(r.AppliedAction) == "" {
		return errors.New("applied action is required")
	}
	return nil
}

// RejectResultRequest captures an operator rejecting a job's output.
type RejectResultRequest struct {
	JobID   string `json:"job_id"`
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

// Validate validates the RejectResultRequest fields.
func (r *RejectResultRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(r.ActorID) == "" {
		return errors.New("actor id is required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("rejection reason is required")
	}
	return nil
}
