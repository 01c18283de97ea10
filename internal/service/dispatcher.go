package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data"
	domainjob "github.com/reliefops/aiqueue/internal/domain/job"
	"github.com/reliefops/aiqueue/internal/domain/model"
	"github.com/reliefops/aiqueue/internal/observability/metrics"
	"github.com/reliefops/aiqueue/internal/observability/notify"
	"github.com/reliefops/aiqueue/internal/observability/statsd"
	"github.com/reliefops/aiqueue/internal/service/alerting"
)

// DispatcherServiceOptions groups dependencies for DispatcherService.
type DispatcherServiceOptions struct {
	Repo           core.JobRepository        // Required: job repository
	Breaker        *BreakerService           // Required: per-use-case circuit breaker
	Executor       core.Executor             // Required: runs the AI computation
	Backoff        *domainjob.BackoffPolicy  // Required: retry delay schedule
	RateBackoff    *domainjob.BackoffPolicy  // Optional: schedule for rate-limited failures
	ExecuteTimeout time.Duration             // Required: per-attempt execution bound
	TimeProvider   data.TimeProvider         // Optional: defaults to real time
	Logger         *slog.Logger              // Optional: structured logger
	Metrics        statsd.Sink               // Optional: metrics sink
	Alerts         *alerting.Service         // Optional: operational alerting
}

// DispatcherService runs one claimed job through execution and applies the
// resulting state transition: success, re-arm with backoff, terminal failure,
// breaker deferral, or skip.
type DispatcherService struct {
	repo           core.JobRepository
	breaker        *BreakerService
	executor       core.Executor
	fallback       core.FallbackExecutor
	backoff        *domainjob.BackoffPolicy
	rateBackoff    *domainjob.BackoffPolicy
	executeTimeout time.Duration
	timeProvider   data.TimeProvider
	logger         *slog.Logger
	metrics        statsd.Sink
	alerts         *alerting.Service
}

// NewDispatcherService constructs a new DispatcherService.
func NewDispatcherService(opts DispatcherServiceOptions) (*DispatcherService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Breaker == nil {
		return nil, errors.New("BreakerService is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("Executor is required")
	}
	if opts.Backoff == nil {
		return nil, errors.New("BackoffPolicy is required")
	}
	if opts.ExecuteTimeout <= 0 {
		return nil, errors.New("ExecuteTimeout must be positive")
	}

	rateBackoff := opts.RateBackoff
	if rateBackoff == nil {
		rateBackoff = opts.Backoff
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatcher_service")
	}

	fallback, _ := opts.Executor.(core.FallbackExecutor)

	return &DispatcherService{
		repo:           opts.Repo,
		breaker:        opts.Breaker,
		executor:       opts.Executor,
		fallback:       fallback,
		backoff:        opts.Backoff,
		rateBackoff:    rateBackoff,
		executeTimeout: opts.ExecuteTimeout,
		timeProvider:   tp,
		logger:         logger,
		metrics:        opts.Metrics,
		alerts:         opts.Alerts,
	}, nil
}

// MustNewDispatcherService constructs a new DispatcherService and panics on error.
func MustNewDispatcherService(opts DispatcherServiceOptions) *DispatcherService {
	svc, err := NewDispatcherService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create DispatcherService: %v", err))
	}
	return svc
}

// Claim atomically claims up to limit eligible jobs with the given lease.
func (s *DispatcherService) Claim(ctx context.Context, limit, leaseSeconds int) ([]*model.Job, error) {
	return s.repo.ClaimBatch(ctx, core.ClaimBatchParams{
		Limit:        limit,
		LeaseSeconds: leaseSeconds,
	})
}

// Process runs one claimed job to its next state. The job must be running
// with a valid lease; a cancelled-in-flight job's outcome is discarded by the
// conditional updates underneath.
func (s *DispatcherService) Process(ctx context.Context, job *model.Job) error {
	allowed, cooldownUntil, err := s.breaker.Allow(ctx, job.UseCaseID)
	if err != nil {
		return fmt.Errorf("consult breaker for job %s: %w", job.ID, err)
	}
	if !allowed {
		return s.handleBreakerOpen(ctx, job, cooldownUntil)
	}

	report, elapsed := s.execute(ctx, job, false)
	if ctx.Err() != nil && report.Failed() {
		// Shutdown mid-execution: leave the job running, the lease sweep
		// rescues it.
		return ctx.Err()
	}

	if !report.Failed() {
		return s.succeed(ctx, job, report, elapsed, false)
	}
	return s.fail(ctx, job, report, elapsed)
}

// handleBreakerOpen resolves a claimed job whose use case is cooling down.
// Preference order: degraded fallback execution, deferral until the cooldown
// lapses, terminal skip once the deferral budget is spent.
func (s *DispatcherService) handleBreakerOpen(ctx context.Context, job *model.Job, cooldownUntil *time.Time) error {
	if s.fallback != nil {
		report, elapsed := s.execute(ctx, job, true)
		if !report.Failed() {
			return s.succeed(ctx, job, report, elapsed, true)
		}
		if s.logger != nil {
			s.logger.WarnContext(ctx, "fallback execution failed",
				"id", job.ID,
				"use_case_id", job.UseCaseID,
				"error", report.Err,
			)
		}
	}

	if job.Attempt >= job.MaxAttempts {
		reason := fmt.Sprintf("circuit breaker open for use case %s with no deferrals remaining", job.UseCaseID)
		applied, err := s.repo.Skip(ctx, job.ID, reason)
		if err != nil {
			return fmt.Errorf("skip job %s: %w", job.ID, err)
		}
		if applied {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "job skipped", "id", job.ID, "use_case_id", job.UseCaseID)
			}
			metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
				UseCaseID:  job.UseCaseID,
				Transition: "skipped",
				Result:     metrics.ResultNoop,
				Attempt:    job.Attempt,
			})
		}
		return nil
	}

	notBefore := s.timeProvider.Now().Add(s.breaker.cfg.BaseCooldown)
	if cooldownUntil != nil && cooldownUntil.After(notBefore) {
		notBefore = *cooldownUntil
	}
	if _, err := s.repo.Defer(ctx, core.DeferJobParams{JobID: job.ID, NotBefore: notBefore}); err != nil {
		return fmt.Errorf("defer job %s: %w", job.ID, err)
	}
	if s.logger != nil {
		s.logger.DebugContext(ctx, "job deferred past breaker cooldown",
			"id", job.ID,
			"use_case_id", job.UseCaseID,
			"not_before", notBefore,
		)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		UseCaseID:  job.UseCaseID,
		Transition: "deferred",
		Result:     metrics.ResultNoop,
		Attempt:    job.Attempt,
	})
	return nil
}

// execute runs one bounded attempt, normal or fallback, and reports how long
// it took. Timeouts are classified retryable.
func (s *DispatcherService) execute(ctx context.Context, job *model.Job, useFallback bool) (core.ExecutionReport, time.Duration) {
	execCtx, cancel := context.WithTimeout(ctx, s.executeTimeout)
	defer cancel()

	started := s.timeProvider.Now()
	var report core.ExecutionReport
	if useFallback {
		report = s.fallback.Fallback(execCtx, job.UseCaseID, job.InputJSON)
	} else {
		report = s.executor.Execute(execCtx, job.UseCaseID, job.InputJSON)
	}
	elapsed := s.timeProvider.Now().Sub(started)

	if report.Failed() && errors.Is(report.Err, context.DeadlineExceeded) && ctx.Err() == nil {
		report.Retryable = true
		if report.ErrorCode == "" {
			report.ErrorCode = "TIMEOUT"
		}
	}
	return report, elapsed
}

func (s *DispatcherService) succeed(ctx context.Context, job *model.Job, report core.ExecutionReport, elapsed time.Duration, isFallback bool) error {
	applied, err := s.repo.MarkSucceeded(ctx, core.SucceedJobParams{
		JobID:            job.ID,
		Output:           report.Output,
		ModelName:        report.ModelName,
		PromptVersion:    report.PromptVersion,
		ProcessingTimeMs: elapsed.Milliseconds(),
		IsFallback:       isFallback,
	})
	if err != nil {
		return fmt.Errorf("mark job %s succeeded: %w", job.ID, err)
	}
	if !applied {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "discarding result for job no longer running", "id", job.ID)
		}
		return nil
	}

	if !isFallback {
		if err := s.breaker.OnSuccess(ctx, job.UseCaseID); err != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "record breaker success", "use_case_id", job.UseCaseID, "error", err)
		}
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		UseCaseID:  job.UseCaseID,
		Transition: "succeeded",
		Result:     metrics.ResultSuccess,
		Attempt:    job.Attempt,
		IsFallback: isFallback,
		Duration:   elapsed,
	})
	return nil
}

func (s *DispatcherService) fail(ctx context.Context, job *model.Job, report core.ExecutionReport, elapsed time.Duration) error {
	terminal := !report.Retryable
	exhausted := job.Attempt >= job.MaxAttempts

	// Retries exhausted with a fallback available: take the degraded path
	// instead of failing terminally.
	if (terminal || exhausted) && s.fallback != nil {
		fbReport, fbElapsed := s.execute(ctx, job, true)
		if !fbReport.Failed() {
			return s.succeed(ctx, job, fbReport, fbElapsed, true)
		}
	}

	var notBefore *time.Time
	if !terminal && !exhausted {
		policy := s.backoff
		if report.RateLimited {
			policy = s.rateBackoff
		}
		at := policy.NextEligibleAt(s.timeProvider.Now(), job.Attempt)
		notBefore = &at
	}

	errorCode := report.ErrorCode
	if errorCode == "" {
		errorCode = "EXECUTION_ERROR"
	}
	outcome, err := s.repo.RetryOrFail(ctx, core.FailJobParams{
		JobID:        job.ID,
		ErrorCode:    errorCode,
		ErrorMessage: report.Err.Error(),
		Terminal:     terminal,
		NotBefore:    notBefore,
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !outcome.Applied {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "discarding failure for job no longer running", "id", job.ID)
		}
		return nil
	}

	if _, _, berr := s.breaker.OnFailure(ctx, job.UseCaseID, report.RateLimited); berr != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "record breaker failure", "use_case_id", job.UseCaseID, "error", berr)
	}

	transition := "retrying"
	if outcome.Status == model.JobStatusFailed {
		transition = "failed"
	}
	if s.logger != nil {
		s.logger.WarnContext(ctx, "job attempt failed",
			"id", job.ID,
			"use_case_id", job.UseCaseID,
			"attempt", outcome.Attempt,
			"max_attempts", job.MaxAttempts,
			"transition", transition,
			"error_code", errorCode,
			"error", report.Err,
		)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		UseCaseID:  job.UseCaseID,
		Transition: transition,
		Result:     metrics.ResultError,
		Attempt:    outcome.Attempt,
		Duration:   elapsed,
		Err:        report.Err,
	})

	if outcome.Status == model.JobStatusFailed && s.alerts.Enabled() {
		s.alerts.Notify(ctx, notify.AlertPayload{
			Kind:       notify.KindJobFailed,
			JobID:      job.ID,
			UseCaseID:  job.UseCaseID,
			EntityType: job.EntityType,
			EntityID:   job.EntityID,
			Error:      report.Err.Error(),
			ErrorClass: errorCode,
			Severity:   notify.SeverityCritical,
			OccurredAt: s.timeProvider.Now(),
		})
	}
	return nil
}
