package data

import (
	"database/sql"
	"errors"
	"log/slog"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrResultNotFound is returned when a review result is not found.
	ErrResultNotFound = errors.New("result not found")
)

// RepoConfig holds configuration options shared by the data repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// Outbox, when set, lets state-changing job updates append their domain
	// event inside the same transaction.
	Outbox *OutboxRepo
}

// JobRepo provides database operations for the AI job queue.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
	outbox       *OutboxRepo
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
		outbox:       cfg.Outbox,
	}
}

const jobColumns = `
  id,
  idempotency_key,
  input_fingerprint,
  use_case_id,
  priority,
  status,
  entity_type,
  entity_id,
  input_json,
  model_name,
  prompt_version,
  output_json,
  attempt,
  max_attempts,
  not_before,
  error_code,
  error_message,
  is_fallback,
  processing_time_ms,
  lease_expires_at,
  created_by,
  created_at,
  updated_at
`

// queuedChannel is the pg_notify channel signalled when a job becomes claimable.
const queuedChannel = "aiq_job_queued"
