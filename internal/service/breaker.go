package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reliefops/aiqueue/internal/core"
	"github.com/reliefops/aiqueue/internal/data"
	"github.com/reliefops/aiqueue/internal/domain/model"
	"github.com/reliefops/aiqueue/internal/observability/metrics"
	"github.com/reliefops/aiqueue/internal/observability/notify"
	"github.com/reliefops/aiqueue/internal/observability/statsd"
	"github.com/reliefops/aiqueue/internal/service/alerting"
)

// BreakerConfig tunes the per-use-case circuit breaker.
type BreakerConfig struct {
	TripThreshold       int           // consecutive failures before the breaker opens
	BaseCooldown        time.Duration // cooldown for a first trip
	MaxCooldown         time.Duration // cap on the doubling cooldown schedule
	RateLimitedCooldown time.Duration // floor applied when the provider throttles
}

// Sanitize applies defaults to unset fields.
func (c *BreakerConfig) Sanitize() {
	if c.TripThreshold <= 0 {
		c.TripThreshold = 5
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 5 * time.Minute
	}
	if c.RateLimitedCooldown <= 0 {
		c.RateLimitedCooldown = time.Minute
	}
}

// BreakerServiceOptions groups dependencies for BreakerService.
type BreakerServiceOptions struct {
	Repo         core.BreakerRepository // Required: breaker state repository
	Config       BreakerConfig          // Trip threshold and cooldown schedule
	TimeProvider data.TimeProvider      // Optional: defaults to real time
	Logger       *slog.Logger           // Optional: structured logger
	Metrics      statsd.Sink            // Optional: metrics sink
	Alerts       *alerting.Service      // Optional: operational alerting
}

// BreakerService guards each use case with a consecutive-failure circuit
// breaker so a misbehaving provider is backed off instead of hammered.
type BreakerService struct {
	repo         core.BreakerRepository
	cfg          BreakerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
	alerts       *alerting.Service
}

// NewBreakerService constructs a new BreakerService.
func NewBreakerService(opts BreakerServiceOptions) (*BreakerService, error) {
	if opts.Repo == nil {
		return nil, errors.New("BreakerRepository is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "breaker_service")
	}

	return &BreakerService{
		repo:         opts.Repo,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger,
		metrics:      opts.Metrics,
		alerts:       opts.Alerts,
	}, nil
}

// MustNewBreakerService constructs a new BreakerService and panics on error.
func MustNewBreakerService(opts BreakerServiceOptions) *BreakerService {
	svc, err := NewBreakerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create BreakerService: %v", err))
	}
	return svc
}

// Allow reports whether executions for the use case may proceed. When the
// breaker is open it also returns the instant the cooldown lapses.
func (s *BreakerService) Allow(ctx context.Context, useCaseID string) (bool, *time.Time, error) {
	state, err := s.repo.Get(ctx, useCaseID)
	if err != nil {
		return false, nil, fmt.Errorf("read breaker state: %w", err)
	}
	now := s.timeProvider.Now()
	if state.Open(now) {
		return false, state.CooldownUntil, nil
	}
	return true, nil, nil
}

// OnSuccess resets the failure streak for the use case.
func (s *BreakerService) OnSuccess(ctx context.Context, useCaseID string) error {
	if err := s.repo.RecordSuccess(ctx, useCaseID); err != nil {
		return fmt.Errorf("record breaker success: %w", err)
	}
	return nil
}

// OnFailure records one failure and returns the resulting state plus whether
// this call tripped the breaker open.
func (s *BreakerService) OnFailure(ctx context.Context, useCaseID string, rateLimited bool) (*model.CircuitBreakerState, bool, error) {
	before, err := s.repo.Get(ctx, useCaseID)
	if err != nil {
		return nil, false, fmt.Errorf("read breaker state: %w", err)
	}
	wasOpen := before.Open(s.timeProvider.Now())

	state, err := s.repo.RecordFailure(ctx, core.RecordFailureParams{
		UseCaseID:     useCaseID,
		RateLimited:   rateLimited,
		TripThreshold: s.cfg.TripThreshold,
		CooldownFor:   s.cooldownFor,
	})
	if err != nil {
		return nil, false, fmt.Errorf("record breaker failure: %w", err)
	}

	tripped := !wasOpen && state.Open(s.timeProvider.Now())
	if tripped {
		metrics.EmitBreakerTrip(s.metrics, useCaseID, rateLimited)
		if s.alerts.Enabled() {
			s.alerts.Notify(ctx, notify.AlertPayload{
				Kind:       notify.KindBreakerTripped,
				UseCaseID:  useCaseID,
				Severity:   notify.SeverityWarning,
				OccurredAt: s.timeProvider.Now(),
				Metadata: map[string]string{
					"trip_count":           fmt.Sprintf("%d", state.TripCount),
					"consecutive_failures": fmt.Sprintf("%d", state.ConsecutiveFailures),
				},
			})
		}
	}
	return state, tripped, nil
}

// cooldownFor doubles the cooldown with each trip up to the cap. Rate-limited
// trips never cool down faster than the throttle floor.
func (s *BreakerService) cooldownFor(tripCount int, rateLimited bool) time.Duration {
	if tripCount < 1 {
		tripCount = 1
	}
	d := s.cfg.BaseCooldown
	for i := 1; i < tripCount; i++ {
		if d >= s.cfg.MaxCooldown {
			break
		}
		d *= 2
	}
	if d > s.cfg.MaxCooldown {
		d = s.cfg.MaxCooldown
	}
	if rateLimited && d < s.cfg.RateLimitedCooldown {
		d = s.cfg.RateLimitedCooldown
	}
	return d
}
