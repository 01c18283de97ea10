// Package service implements the business workflows of the AI job queue:
// admission, dispatch, human review, circuit breaking, outbox publishing,
// and retention sweeps.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data"
	"github.com/reliefops/aiqueue/internal/domain/model"
	apperrors "github.com/reliefops/aiqueue/internal/errors"
	"github.com/reliefops/aiqueue/internal/observability/metrics"
	"github.com/reliefops/aiqueue/internal/observability/statsd"
)

// idempotencyKeyConstraint is the partial unique index guarding admission.
const idempotencyKeyConstraint = "ai_jobs_idempotency_key"

// AdmissionServiceOptions groups dependencies for AdmissionService.
type AdmissionServiceOptions struct {
	Repo               core.JobRepository // Required: job repository
	DefaultMaxAttempts int                // Required: attempt ceiling applied when the request omits one
	Logger             *slog.Logger       // Optional: structured logger
	Metrics            statsd.Sink        // Optional: metrics sink
}

// AdmissionService validates and durably admits AI jobs, and exposes the
// read-side job operations (get, list, stats) plus cancellation.
type AdmissionService struct {
	repo               core.JobRepository
	defaultMaxAttempts int
	logger             *slog.Logger
	metrics            statsd.Sink
}

// NewAdmissionService constructs a new AdmissionService.
func NewAdmissionService(opts AdmissionServiceOptions) (*AdmissionService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.DefaultMaxAttempts <= 0 {
		return nil, errors.New("DefaultMaxAttempts must be positive")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "admission_service")
	}

	return &AdmissionService{
		repo:               opts.Repo,
		defaultMaxAttempts: opts.DefaultMaxAttempts,
		logger:             logger,
		metrics:            opts.Metrics,
	}, nil
}

// MustNewAdmissionService constructs a new AdmissionService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewAdmissionService(opts AdmissionServiceOptions) *AdmissionService {
	svc, err := NewAdmissionService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create AdmissionService: %v", err))
	}
	return svc
}

// Submit validates and admits a job. When the request carries an idempotency
// key that was admitted before, the existing job is returned unchanged; the
// second return reports whether a new row was created.
func (s *AdmissionService) Submit(ctx context.Context, req *model.SubmitJobRequest) (*model.Job, bool, error) {
	if req == nil {
		return nil, false, apperrors.Validation("submit request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, apperrors.Validation(err.Error())
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	fingerprint := req.Fingerprint()

	job, err := s.repo.Insert(ctx, core.InsertJobParams{
		Req:         req,
		Fingerprint: fingerprint,
		MaxAttempts: maxAttempts,
	})
	if err == nil {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "job admitted",
				"id", job.ID,
				"use_case_id", job.UseCaseID,
				"priority", job.Priority,
			)
		}
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			UseCaseID:  job.UseCaseID,
			Transition: "admitted",
			Result:     metrics.ResultSuccess,
		})
		return job, true, nil
	}

	// A unique violation on the idempotency key means someone else admitted
	// this key first; resolve the race to the existing row.
	if req.IdempotencyKey != nil && apperrors.IsUniqueViolation(err, idempotencyKeyConstraint) {
		existing, lookupErr := s.repo.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("resolve idempotent submit: %w", lookupErr)
		}
		if existing.InputFingerprint != fingerprint && s.logger != nil {
			s.logger.WarnContext(ctx, "idempotent resubmit with different input",
				"id", existing.ID,
				"idempotency_key", *req.IdempotencyKey,
			)
		}
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			UseCaseID:  existing.UseCaseID,
			Transition: "admitted",
			Result:     metrics.ResultNoop,
		})
		return existing, false, nil
	}

	return nil, false, apperrors.MapDBError(fmt.Errorf("admit job: %w", err))
}

// Get returns a job by id.
func (s *AdmissionService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil, apperrors.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// List returns jobs matching the filter options.
func (s *AdmissionService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// Stats returns per-status job counts, optionally scoped to a use case.
func (s *AdmissionService) Stats(ctx context.Context, useCaseID string) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, useCaseID)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return stats, nil
}

// Cancel moves a queued or running job to cancelled. Cancelling a job that is
// already terminal is a state error.
func (s *AdmissionService) Cancel(ctx context.Context, jobID string, actorID *string) (*model.Job, error) {
	applied, err := s.repo.Cancel(ctx, jobID, actorID)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	if !applied {
		job, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Statef("job %s is %s and cannot be cancelled", jobID, job.Status)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled", "id", jobID)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: "cancelled",
		Result:     metrics.ResultSuccess,
	})
	return s.Get(ctx, jobID)
}
