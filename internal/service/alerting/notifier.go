// Package alerting fans operational alerts out to the configured sinks.
package alerting

import (
	"context"
	"log/slog"
	"sync"

	"github.com/reliefops/aiqueue/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the alerting service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
}

// Service dispatches alerts to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
}

// NewService constructs an alerting service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "alerting")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	return &Service{
		logger: logger,
		sinks:  sinks,
	}
}

// Notify fans the alert payload out to all sinks. Sink failures are logged,
// never propagated; alerting is best-effort by contract.
func (s *Service) Notify(ctx context.Context, payload notify.AlertPayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendAlert(ctx, payload); err != nil {
				s.logger.Error("alert delivery error",
					"sink", entry.Name,
					"kind", payload.Kind,
					"job_id", payload.JobID,
					"use_case_id", payload.UseCaseID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the service has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
