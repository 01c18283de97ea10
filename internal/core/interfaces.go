// Package core defines the port interfaces between the service layer and its
// collaborators (repositories, the AI executor, event delivery). Services
// depend on these contracts, not on concrete implementations.
package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/reliefops/aiqueue/internal/domain/model"
)

// JobRepository defines the interface for AI job data operations.
type JobRepository interface {
	Insert(ctx context.Context, params InsertJobParams) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	// ClaimBatch atomically flips up to limit eligible queued jobs to running
	// and stamps their lease. Ordering is priority ascending, created_at ascending.
	ClaimBatch(ctx context.Context, params ClaimBatchParams) ([]*model.Job, error)
	// RequeueExpired re-queues running jobs whose lease has lapsed, returning
	// the number of rows rescued.
	RequeueExpired(ctx context.Context) (int64, error)
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	// MarkSucceeded records the output and emits the terminal outbox event in
	// one transaction. Returns false when the job was no longer running
	// (e.g. cancelled mid-flight).
	MarkSucceeded(ctx context.Context, params SucceedJobParams) (bool, error)
	// RetryOrFail applies the running→queued re-arm or the terminal failure,
	// depending on the attempt ceiling and error classification.
	RetryOrFail(ctx context.Context, params FailJobParams) (*FailOutcome, error)
	// Defer releases a claimed job back to queued with eligibility pushed past
	// the breaker cooldown; used when the breaker is open at claim time.
	Defer(ctx context.Context, params DeferJobParams) (bool, error)
	// Skip terminally marks a job as deliberately not attempted.
	Skip(ctx context.Context, jobID, reason string) (bool, error)
	Cancel(ctx context.Context, jobID string, actorID *string) (bool, error)
	Stats(ctx context.Context, useCaseID string) (*model.JobStats, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	WaitForQueued(ctx context.Context) error
}

// InsertJobParams groups the fields needed to insert a validated job row.
type InsertJobParams struct {
	Req         *model.SubmitJobRequest
	Fingerprint string
	MaxAttempts int
}

// ClaimBatchParams bounds one claim round.
type ClaimBatchParams struct {
	Limit        int
	LeaseSeconds int
}

// SucceedJobParams carries a completed execution's outcome.
type SucceedJobParams struct {
	JobID            string
	Output           []byte
	ModelName        string
	PromptVersion    string
	ProcessingTimeMs int64
	IsFallback       bool
	Metadata         *model.EventMetadata
}

// FailJobParams carries a failed execution's outcome and its classification.
type FailJobParams struct {
	JobID        string
	ErrorCode    string
	ErrorMessage string
	Terminal     bool       // non-retryable per executor classification
	NotBefore    *time.Time // next eligibility when re-armed
	Metadata     *model.EventMetadata
}

// FailOutcome reports how RetryOrFail resolved.
type FailOutcome struct {
	Applied bool            // false when the job was not running anymore
	Status  model.JobStatus // queued (re-armed) or failed (terminal)
	Attempt int
}

// DeferJobParams pushes a job's eligibility past a breaker cooldown.
type DeferJobParams struct {
	JobID     string
	NotBefore time.Time
}

// ResultRepository defines the interface for human review decisions.
type ResultRepository interface {
	GetByJobID(ctx context.Context, jobID string) (*model.Result, error)
	// Accept creates the decided result row; the conditional insert fails with
	// a conflict when a decision already exists.
	Accept(ctx context.Context, req *model.AcceptResultRequest) (*model.Result, error)
	Reject(ctx context.Context, req *model.RejectResultRequest) (*model.Result, error)
}

// BreakerRepository defines the interface for per-use-case circuit breaker rows.
// All mutations are single-row atomic upserts so concurrent dispatchers never
// lose updates.
type BreakerRepository interface {
	Get(ctx context.Context, useCaseID string) (*model.CircuitBreakerState, error)
	RecordSuccess(ctx context.Context, useCaseID string) error
	RecordFailure(ctx context.Context, params RecordFailureParams) (*model.CircuitBreakerState, error)
}

// RecordFailureParams groups the inputs for a breaker failure update.
type RecordFailureParams struct {
	UseCaseID     string
	RateLimited   bool
	TripThreshold int
	// CooldownFor computes the cooldown for the trip count about to be recorded.
	CooldownFor func(tripCount int, rateLimited bool) time.Duration
}

// OutboxRepository defines the interface for transactional event rows.
type OutboxRepository interface {
	// AppendInTx writes the event row inside the caller's transaction, so the
	// event commits or rolls back with the domain mutation it describes.
	AppendInTx(ctx context.Context, tx *sql.Tx, req *model.AppendEventRequest) (*model.OutboxEvent, error)
	// ClaimPending marks up to limit pending rows as in-flight for this
	// publisher tick, ordered by created_at.
	ClaimPending(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string) error
	// MarkFailed bumps retry bookkeeping; rows past maxRetries become failed.
	MarkFailed(ctx context.Context, params MarkFailedParams) (*model.OutboxEvent, error)
	ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	// DeleteOldPublished prunes published rows older than the retention window.
	DeleteOldPublished(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error)
}

// MarkFailedParams groups the inputs for recording a delivery failure.
type MarkFailedParams struct {
	EventID    string
	Err        string
	MaxRetries int
}

// ReaperRepository defines cleanup operations over terminal jobs.
type ReaperRepository interface {
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// DeleteOldJobsParams groups parameters for deleting old terminal jobs.
type DeleteOldJobsParams struct {
	OlderThan time.Duration
	Statuses  []model.JobStatus
	BatchSize int
}
