// Package publisher drives the outbox publisher loop.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/reliefops/aiqueue/internal/service"
)

// RunnerOptions configures the publisher runner.
type RunnerOptions struct {
	Outbox   *service.OutboxService // Required: outbox publishing workflow
	Interval time.Duration          // tick interval; defaults to 1s
	Logger   *slog.Logger           // Optional: structured logger
}

// Runner ticks the outbox publisher until the context is cancelled. A tick
// that publishes a full batch is immediately followed by another, so a
// backlog drains faster than the tick interval.
type Runner struct {
	outbox   *service.OutboxService
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner constructs a publisher runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Outbox == nil {
		return nil, errors.New("OutboxService is required")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "publisher_runner")

	return &Runner{
		outbox:   opts.Outbox,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run ticks the publisher until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting outbox publisher", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain publishes ticks until a tick comes back short of work.
func (r *Runner) drain(ctx context.Context) {
	for ctx.Err() == nil {
		published, err := r.outbox.PublishTick(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				r.logger.ErrorContext(ctx, "publish tick failed", "error", err)
			}
			return
		}
		if published == 0 {
			return
		}
	}
}
