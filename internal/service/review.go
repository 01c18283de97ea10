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
	"github.com/reliefops/aiqueue/internal/observability/statsd"
)

// ReviewServiceOptions groups dependencies for ReviewService.
type ReviewServiceOptions struct {
	Repo    core.ResultRepository // Required: result repository
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink
}

// ReviewService records human accept/reject decisions on succeeded jobs.
// Decisions are immutable: the first decision wins, later ones conflict.
type ReviewService struct {
	repo    core.ResultRepository
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReviewService constructs a new ReviewService.
func NewReviewService(opts ReviewServiceOptions) (*ReviewService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ResultRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "review_service")
	}

	return &ReviewService{
		repo:    opts.Repo,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewReviewService constructs a new ReviewService and panics on error.
func MustNewReviewService(opts ReviewServiceOptions) *ReviewService {
	svc, err := NewReviewService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ReviewService: %v", err))
	}
	return svc
}

// Accept records the operator's acceptance of a job's output together with
// before/after audit snapshots and the list of entities the application of
// the output touched.
func (s *ReviewService) Accept(ctx context.Context, req *model.AcceptResultRequest) (*model.Result, error) {
	if req == nil {
		return nil, apperrors.Validation("accept request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	result, err := s.repo.Accept(ctx, req)
	if err != nil {
		return nil, s.mapReviewError(err, req.JobID)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "result accepted",
			"job_id", req.JobID,
			"actor_id", req.ActorID,
			"applied_action", req.AppliedAction,
		)
	}
	if s.metrics != nil {
		s.metrics.Count("review.decision", 1, map[string]string{"decision": "accepted"})
	}
	return result, nil
}

// Reject records the operator's rejection of a job's output with a reason.
func (s *ReviewService) Reject(ctx context.Context, req *model.RejectResultRequest) (*model.Result, error) {
	if req == nil {
		return nil, apperrors.Validation("reject request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	result, err := s.repo.Reject(ctx, req)
	if err != nil {
		return nil, s.mapReviewError(err, req.JobID)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "result rejected",
			"job_id", req.JobID,
			"actor_id", req.ActorID,
			"reason", req.Reason,
		)
	}
	if s.metrics != nil {
		s.metrics.Count("review.decision", 1, map[string]string{"decision": "rejected"})
	}
	return result, nil
}

// Get returns the review decision for a job.
func (s *ReviewService) Get(ctx context.Context, jobID string) (*model.Result, error) {
	result, err := s.repo.GetByJobID(ctx, jobID)
	if errors.Is(err, data.ErrResultNotFound) {
		return nil, apperrors.NotFoundf("no decision recorded for job %s", jobID)
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return result, nil
}

func (s *ReviewService) mapReviewError(err error, jobID string) error {
	if errors.Is(err, data.ErrJobNotFound) {
		return apperrors.NotFoundf("job %s not found", jobID)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	// A concurrent decision that slipped past the conditional insert surfaces
	// as a primary key violation on job_id.
	if apperrors.IsUniqueViolation(err, "") {
		return apperrors.Conflict("result already processed")
	}
	return apperrors.MapDBError(err)
}
