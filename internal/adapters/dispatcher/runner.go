// Package dispatcher runs the claim/execute worker pool over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reliefops/aiqueue/internal/core"
	domainjob "github.com/reliefops/aiqueue/internal/domain/job"
	"github.com/reliefops/aiqueue/internal/domain/model"
	"github.com/reliefops/aiqueue/internal/service"
)

// RunnerOptions configures the dispatcher runner.
type RunnerOptions struct {
	Dispatcher *service.DispatcherService // Required: per-job processing workflow
	Repo       core.JobRepository         // Required when Notifier is nil: waiter for queue wakeups
	Notifier   domainjob.Notifier         // Optional: custom queue-availability notifier
	Logger     *slog.Logger               // Optional: structured logger

	Concurrency  int           // worker goroutines per claim batch; defaults to 1
	BatchSize    int           // jobs claimed per round; defaults to 1
	Lease        time.Duration // per-job lease duration; defaults to 60s
	PollInterval time.Duration // idle wait when no notification arrives; defaults to 5s
}

// Runner claims eligible jobs in batches and processes them on a bounded
// worker pool until the context is cancelled.
type Runner struct {
	dispatcher   *service.DispatcherService
	notifier     domainjob.Notifier
	leasePolicy  *domainjob.LeasePolicy
	logger       *slog.Logger
	concurrency  int
	batchSize    int
	pollInterval time.Duration
}

// NewRunner constructs a dispatcher runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("DispatcherService is required")
	}

	notifier := opts.Notifier
	if notifier == nil {
		if opts.Repo == nil {
			return nil, errors.New("either Notifier or Repo must be provided")
		}
		var err error
		notifier, err = domainjob.NewQueueNotifier(domainjob.NotifierOptions{Waiter: opts.Repo})
		if err != nil {
			return nil, fmt.Errorf("create queue notifier: %w", err)
		}
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 60 * time.Second
	}
	leasePolicy, err := domainjob.NewLeasePolicy(lease)
	if err != nil {
		return nil, fmt.Errorf("create lease policy: %w", err)
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatcher_runner")

	return &Runner{
		dispatcher:   opts.Dispatcher,
		notifier:     notifier,
		leasePolicy:  leasePolicy,
		logger:       logger,
		concurrency:  concurrency,
		batchSize:    batchSize,
		pollInterval: pollInterval,
	}, nil
}

// Run claims and processes jobs until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting dispatcher",
		"concurrency", r.concurrency,
		"batch_size", r.batchSize,
		"lease", r.leasePolicy.Default(),
	)
	defer r.notifier.StopAll()

	unsub, wakeup := r.notifier.Subscribe()
	defer unsub()

	leaseSeconds, _ := r.leasePolicy.Resolve(0)

	for ctx.Err() == nil {
		jobs, err := r.dispatcher.Claim(ctx, r.batchSize, leaseSeconds)
		switch {
		case err == nil:
			r.processBatch(ctx, jobs)
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForWork(ctx, wakeup) {
				return nil
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return fmt.Errorf("claim jobs: %w", err)
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// processBatch fans the claimed jobs onto a bounded worker pool. Processing
// errors are logged, never fatal: the job's lease guarantees a retry.
func (r *Runner) processBatch(ctx context.Context, jobs []*model.Job) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			if err := r.dispatcher.Process(gctx, job); err != nil && !isContextErr(err) {
				r.logger.ErrorContext(gctx, "process job",
					"id", job.ID,
					"use_case_id", job.UseCaseID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// waitForWork blocks until a queue notification or the poll interval elapses.
// Returns false when the context is done.
func (r *Runner) waitForWork(ctx context.Context, wakeup <-chan struct{}) bool {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-wakeup:
		return true
	case <-timer.C:
		return true
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
