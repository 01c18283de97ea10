package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/reliefops/aiqueue/config"
	"github.com/reliefops/aiqueue/internal/adapters/dispatcher"
	"github.com/reliefops/aiqueue/internal/adapters/fanout"
	"github.com/reliefops/aiqueue/internal/adapters/publisher"
)

// DispatcherRunConfig contains configuration for the dispatcher worker pool.
type DispatcherRunConfig struct {
	Services ServiceContainer
	Logger   *slog.Logger
	Config   config.DispatcherConfig
}

// RunDispatcher starts the job claim/execute worker pool.
func RunDispatcher(ctx context.Context, cfg DispatcherRunConfig) error {
	if cfg.Services.Dispatcher == nil {
		return errors.New("dispatcher service is not configured")
	}

	runner, err := dispatcher.NewRunner(dispatcher.RunnerOptions{
		Dispatcher:   cfg.Services.Dispatcher,
		Repo:         cfg.Services.Repos.Jobs,
		Logger:       cfg.Logger,
		Concurrency:  cfg.Config.Concurrency,
		BatchSize:    cfg.Config.BatchSize,
		Lease:        cfg.Config.JobLease,
		PollInterval: cfg.Config.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher runner: %w", err)
	}

	return runner.Run(ctx)
}

// PublisherRunConfig contains configuration for the outbox publisher.
type PublisherRunConfig struct {
	Services ServiceContainer
	Logger   *slog.Logger
	Config   config.PublisherConfig
}

// RunPublisher starts the outbox publisher loop.
func RunPublisher(ctx context.Context, cfg PublisherRunConfig) error {
	runner, err := publisher.NewRunner(publisher.RunnerOptions{
		Outbox:   cfg.Services.Outbox,
		Interval: cfg.Config.Interval,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create publisher runner: %w", err)
	}

	return runner.Run(ctx)
}

// RelayRunConfig contains configuration for the fan-out relay.
type RelayRunConfig struct {
	Services    ServiceContainer
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// RunRelay starts the Redis fan-out relay.
func RunRelay(ctx context.Context, cfg RelayRunConfig) error {
	origin := ""
	if cfg.Services.Fanout != nil {
		origin = cfg.Services.Fanout.Origin()
	}

	relay, err := fanout.NewRelay(fanout.RelayOptions{
		Hub:    cfg.Services.Hub,
		Redis:  cfg.RedisClient,
		Origin: origin,
		Logger: cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create fanout relay: %w", err)
	}

	return relay.Run(ctx)
}

// ReaperRunConfig contains configuration for the reaper.
type ReaperRunConfig struct {
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunReaper starts the lease sweep and retention reaper.
func RunReaper(ctx context.Context, cfg ReaperRunConfig) error {
	if cfg.Services.Reaper == nil {
		return errors.New("reaper service is not configured")
	}

	return cfg.Services.Reaper.Run(ctx)
}
