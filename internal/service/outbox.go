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

// OutboxServiceOptions groups dependencies for OutboxService.
type OutboxServiceOptions struct {
	Repo         core.OutboxRepository // Required: outbox repository
	Deliverer    core.EventDeliverer   // Required: downstream transport
	BatchSize    int                   // Rows claimed per tick; defaults to 50
	MaxRetries   int                   // Delivery attempts before a row fails; defaults to 10
	TimeProvider data.TimeProvider     // Optional: defaults to real time
	Logger       *slog.Logger          // Optional: structured logger
	Metrics      statsd.Sink           // Optional: metrics sink
	Alerts       *alerting.Service     // Optional: operational alerting
}

// OutboxService drains pending outbox rows to the event deliverer with
// at-least-once semantics. Delivery failures are retried across ticks until
// the retry ceiling, then parked as failed for operational follow-up.
type OutboxService struct {
	repo         core.OutboxRepository
	deliverer    core.EventDeliverer
	batchSize    int
	maxRetries   int
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
	alerts       *alerting.Service
}

// NewOutboxService constructs a new OutboxService.
func NewOutboxService(opts OutboxServiceOptions) (*OutboxService, error) {
	if opts.Repo == nil {
		return nil, errors.New("OutboxRepository is required")
	}
	if opts.Deliverer == nil {
		return nil, errors.New("EventDeliverer is required")
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "outbox_service")
	}

	return &OutboxService{
		repo:         opts.Repo,
		deliverer:    opts.Deliverer,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		timeProvider: tp,
		logger:       logger,
		metrics:      opts.Metrics,
		alerts:       opts.Alerts,
	}, nil
}

// MustNewOutboxService constructs a new OutboxService and panics on error.
func MustNewOutboxService(opts OutboxServiceOptions) *OutboxService {
	svc, err := NewOutboxService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create OutboxService: %v", err))
	}
	return svc
}

// PublishTick claims one batch of pending events and delivers them in
// creation order. Returns the number of events published this tick.
func (s *OutboxService) PublishTick(ctx context.Context) (int, error) {
	events, err := s.repo.ClaimPending(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim pending events: %w", err)
	}

	published := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if s.publishOne(ctx, event) {
			published++
		}
	}
	return published, nil
}

// publishOne delivers a single event, isolating deliverer panics so one bad
// handler cannot take down the publisher loop.
func (s *OutboxService) publishOne(ctx context.Context, event *model.OutboxEvent) bool {
	started := s.timeProvider.Now()
	err := s.deliver(ctx, event)
	elapsed := s.timeProvider.Now().Sub(started)

	if err == nil {
		if markErr := s.repo.MarkPublished(ctx, event.ID); markErr != nil {
			// The delivery happened; a failed mark means the row is retried
			// next tick. At-least-once, consumers deduplicate by event id.
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "mark event published",
					"event_id", event.ID, "error", markErr)
			}
			return false
		}
		metrics.EmitOutboxDelivery(s.metrics, event.EventType, metrics.ResultSuccess, elapsed)
		return true
	}

	metrics.EmitOutboxDelivery(s.metrics, event.EventType, metrics.ResultError, elapsed)
	updated, markErr := s.repo.MarkFailed(ctx, core.MarkFailedParams{
		EventID:    event.ID,
		Err:        err.Error(),
		MaxRetries: s.maxRetries,
	})
	if markErr != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "mark event failed",
				"event_id", event.ID, "error", markErr)
		}
		return false
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "event delivery failed",
			"event_id", event.ID,
			"event_type", event.EventType,
			"retry_count", updated.RetryCount,
			"status", updated.Status,
			"error", err,
		)
	}
	if updated.Status == model.OutboxStatusFailed && s.alerts.Enabled() {
		s.alerts.Notify(ctx, notify.AlertPayload{
			Kind:       notify.KindOutboxExhausted,
			JobID:      event.AggregateID,
			Error:      err.Error(),
			Severity:   notify.SeverityWarning,
			OccurredAt: s.timeProvider.Now(),
			Metadata: map[string]string{
				"event_id":    event.ID,
				"event_type":  event.EventType,
				"retry_count": fmt.Sprintf("%d", updated.RetryCount),
			},
		})
	}
	return false
}

func (s *OutboxService) deliver(ctx context.Context, event *model.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panic: %v", r)
		}
	}()
	return s.deliverer.Deliver(ctx, &core.DeliveredEvent{
		ID:            event.ID,
		EventType:     event.EventType,
		AggregateType: string(event.AggregateType),
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		Metadata:      event.Metadata,
	})
}

// ListFailed returns events parked after exhausting delivery retries.
func (s *OutboxService) ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	return s.repo.ListFailed(ctx, limit)
}

// Prune deletes published events older than the retention window.
func (s *OutboxService) Prune(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	return s.repo.DeleteOldPublished(ctx, olderThan, batchSize)
}
