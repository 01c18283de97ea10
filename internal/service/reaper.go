package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reliefops/aiqueue/config"
	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs    core.JobRepository    // Required: job repository (lease sweep)
	Reaper  core.ReaperRepository // Required: terminal-job retention deletes
	Outbox  core.OutboxRepository // Required: outbox repository (published-row pruning)
	Config  config.ReaperConfig   // Required: reaper configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService keeps the queue healthy over time.
//
// This service manages:
// - Re-queueing running jobs whose lease expired (crashed workers).
// - Deleting terminal jobs past the retention window.
// - Pruning published outbox rows past their retention window.
type ReaperService struct {
	jobs    core.JobRepository
	reaper  core.ReaperRepository
	outbox  core.OutboxRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Reaper == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Outbox == nil {
		return nil, errors.New("OutboxRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"job_retention", opts.Config.JobRetention,
			"outbox_retention", opts.Config.OutboxRetention,
		)
	}

	return &ReaperService{
		jobs:    opts.Jobs,
		reaper:  opts.Reaper,
		outbox:  opts.Outbox,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ReaperService: %v", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter so multiple instances starting together do not sweep in lockstep.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil && !isContextCancellation(err) {
		s.logSweepError(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && !isContextCancellation(err) {
				// Keep running despite errors.
				s.logSweepError(ctx, err)
			}
		}
	}
}

// Sweep performs one pass of all cleanup steps.
func (s *ReaperService) Sweep(ctx context.Context) error {
	var errs []error

	requeued, err := s.jobs.RequeueExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("requeue expired leases: %w", err))
	} else if requeued > 0 {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "requeued expired leases", "count", requeued)
		}
		if s.metrics != nil {
			s.metrics.Count("reaper.requeued", requeued, nil)
		}
	}

	deleted, err := s.deleteOldJobs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete old jobs: %w", err))
	} else if deleted > 0 && s.metrics != nil {
		s.metrics.Count("reaper.jobs_deleted", deleted, nil)
	}

	pruned, err := s.pruneOutbox(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune outbox: %w", err))
	} else if pruned > 0 && s.metrics != nil {
		s.metrics.Count("reaper.outbox_pruned", pruned, nil)
	}

	return errors.Join(errs...)
}

// deleteOldJobs loops in batches until no more rows match, so large backlogs
// never hold one long transaction.
func (s *ReaperService) deleteOldJobs(ctx context.Context) (int64, error) {
	var total int64
	for {
		count, err := s.reaper.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			OlderThan: s.config.JobRetention,
			BatchSize: s.config.BatchSize,
		})
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old terminal jobs",
			"count", total,
			"retention", s.config.JobRetention,
		)
	}
	return total, nil
}

func (s *ReaperService) pruneOutbox(ctx context.Context) (int64, error) {
	var total int64
	for {
		count, err := s.outbox.DeleteOldPublished(ctx, s.config.OutboxRetention, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "pruned published outbox events",
			"count", total,
			"retention", s.config.OutboxRetention,
		)
	}
	return total, nil
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) logSweepError(ctx context.Context, err error) {
	if s.logger != nil {
		s.logger.ErrorContext(ctx, "reaper sweep failed", "error", err)
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
