// Package testutil provides testing utilities and helpers for the AI job queue.
package testutil

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/reliefops/aiqueue/internal/domain/model"
)

var entitySeq atomic.Int64

// SubmitJobBuilder provides a fluent interface for building SubmitJobRequest objects for testing.
type SubmitJobBuilder struct {
	req *model.SubmitJobRequest
}

// NewSubmitJob creates a new SubmitJobBuilder with sensible defaults. Each
// builder gets a distinct entity id so idempotency fingerprints do not
// collide across unrelated tests.
func NewSubmitJob() *SubmitJobBuilder {
	n := entitySeq.Add(1)
	return &SubmitJobBuilder{
		req: &model.SubmitJobRequest{
			UseCaseID:   "summarize",
			EntityType:  "document",
			EntityID:    fmt.Sprintf("doc-%d", n),
			Priority:    50,
			Input:       json.RawMessage(`{"text": "hello world"}`),
			MaxAttempts: 3,
		},
	}
}

// WithUseCase sets the use case id.
func (b *SubmitJobBuilder) WithUseCase(useCaseID string) *SubmitJobBuilder {
	b.req.UseCaseID = useCaseID
	return b
}

// WithEntity sets the entity type and id.
func (b *SubmitJobBuilder) WithEntity(entityType, entityID string) *SubmitJobBuilder {
	b.req.EntityType = entityType
	b.req.EntityID = entityID
	return b
}

// WithPriority sets the job priority.
func (b *SubmitJobBuilder) WithPriority(priority int) *SubmitJobBuilder {
	b.req.Priority = priority
	return b
}

// WithInput sets the job input.
func (b *SubmitJobBuilder) WithInput(input json.RawMessage) *SubmitJobBuilder {
	b.req.Input = input
	return b
}

// WithInputString sets the job input from a string.
func (b *SubmitJobBuilder) WithInputString(input string) *SubmitJobBuilder {
	b.req.Input = json.RawMessage(input)
	return b
}

// WithIdempotencyKey sets the idempotency key.
func (b *SubmitJobBuilder) WithIdempotencyKey(key string) *SubmitJobBuilder {
	b.req.IdempotencyKey = &key
	return b
}

// WithMaxAttempts sets the attempt ceiling.
func (b *SubmitJobBuilder) WithMaxAttempts(maxAttempts int) *SubmitJobBuilder {
	b.req.MaxAttempts = maxAttempts
	return b
}

// WithCreatedBy sets the submitting actor.
func (b *SubmitJobBuilder) WithCreatedBy(actor string) *SubmitJobBuilder {
	b.req.CreatedBy = &actor
	return b
}

// Build returns the constructed SubmitJobRequest.
func (b *SubmitJobBuilder) Build() *model.SubmitJobRequest {
	return b.req
}

// NewAcceptRequest builds a valid AcceptResultRequest for the given job.
func NewAcceptRequest(jobID string) *model.AcceptResultRequest {
	return &model.AcceptResultRequest{
		JobID:         jobID,
		ActorID:       "reviewer-1",
		AppliedAction: "applied_summary",
	}
}

// NewRejectRequest builds a valid RejectResultRequest for the given job.
func NewRejectRequest(jobID string) *model.RejectResultRequest {
	return &model.RejectResultRequest{
		JobID:   jobID,
		ActorID: "reviewer-1",
		Reason:  "inaccurate output",
	}
}
