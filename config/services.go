package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeDispatcher runs the job claim/execute worker pool.
	ServiceModeDispatcher ServiceMode = "dispatcher"
	// ServiceModePublisher runs the outbox publisher.
	ServiceModePublisher ServiceMode = "publisher"
	// ServiceModeRelay runs the Redis event fan-out relay.
	ServiceModeRelay ServiceMode = "relay"
	// ServiceModeReaper runs the lease sweep and retention reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeDispatcher,
		ServiceModePublisher,
		ServiceModeRelay,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeDispatcher, ServiceModePublisher, ServiceModeRelay, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: dispatcher, publisher, relay, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// ExecutorConfig contains configuration for the HTTP executor backing the
// dispatcher. The executor POSTs claimed job input to the provider gateway
// and interprets the response as an execution report.
type ExecutorConfig struct {
	// URL is the provider gateway endpoint jobs are POSTed to.
	URL string `env:"EXECUTOR_URL"`

	// FallbackURL, when set, enables the degraded fallback path used when
	// the breaker is open or retries are exhausted.
	FallbackURL string `env:"EXECUTOR_FALLBACK_URL"`

	// RetryLimit is the number of transport-level retries per request.
	RetryLimit int `env:"EXECUTOR_RETRY_LIMIT" envDefault:"0"`
}

// Sanitize applies guardrails to executor configuration values.
func (e *ExecutorConfig) Sanitize() {
	e.URL = strings.TrimSpace(e.URL)
	e.FallbackURL = strings.TrimSpace(e.FallbackURL)
	if e.RetryLimit < 0 {
		e.RetryLimit = 0
	}
}

// QueueConfig contains admission and retry configuration.
type QueueConfig struct {
	// DefaultMaxAttempts is applied when a submit request omits max_attempts.
	DefaultMaxAttempts int `env:"QUEUE_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`

	// RetryBackoffBase is the delay before the first retry; it doubles per attempt.
	RetryBackoffBase time.Duration `env:"QUEUE_RETRY_BACKOFF_BASE" envDefault:"1s"`

	// RetryBackoffMax caps the retry delay.
	RetryBackoffMax time.Duration `env:"QUEUE_RETRY_BACKOFF_MAX" envDefault:"5m"`

	// RetryBackoffJitter is the uniform random addition to each delay.
	RetryBackoffJitter time.Duration `env:"QUEUE_RETRY_BACKOFF_JITTER" envDefault:"250ms"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.DefaultMaxAttempts < 1 {
		q.DefaultMaxAttempts = 1
	}
	if q.RetryBackoffBase <= 0 {
		q.RetryBackoffBase = time.Second
	}
	if q.RetryBackoffMax < q.RetryBackoffBase {
		q.RetryBackoffMax = 5 * time.Minute
	}
	if q.RetryBackoffJitter < 0 {
		q.RetryBackoffJitter = 0
	}
}

// DispatcherConfig contains dispatcher worker configuration.
type DispatcherConfig struct {
	// Concurrency is the number of worker goroutines executing jobs.
	Concurrency int `env:"DISPATCHER_CONCURRENCY" envDefault:"4"`

	// BatchSize is the maximum number of jobs claimed per round.
	BatchSize int `env:"DISPATCHER_BATCH_SIZE" envDefault:"10"`

	// JobLease is the duration a claimed job is leased for.
	JobLease time.Duration `env:"DISPATCHER_JOB_LEASE" envDefault:"60s"`

	// ExecuteTimeout bounds a single execution attempt.
	ExecuteTimeout time.Duration `env:"DISPATCHER_EXECUTE_TIMEOUT" envDefault:"30s"`

	// PollInterval is the idle wait between claim rounds when no queue
	// notification arrives.
	PollInterval time.Duration `env:"DISPATCHER_POLL_INTERVAL" envDefault:"5s"`
}

// Sanitize applies guardrails to dispatcher configuration values.
func (d *DispatcherConfig) Sanitize() {
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.JobLease < 5*time.Second {
		d.JobLease = 5 * time.Second
	}
	if d.ExecuteTimeout <= 0 {
		d.ExecuteTimeout = 30 * time.Second
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 5 * time.Second
	}
}

// BreakerEnvConfig contains circuit breaker configuration.
type BreakerEnvConfig struct {
	// TripThreshold is the consecutive failure count that opens the breaker.
	TripThreshold int `env:"BREAKER_TRIP_THRESHOLD" envDefault:"5"`

	// BaseCooldown is the cooldown after a first trip; it doubles per trip.
	BaseCooldown time.Duration `env:"BREAKER_BASE_COOLDOWN" envDefault:"30s"`

	// MaxCooldown caps the doubling cooldown schedule.
	MaxCooldown time.Duration `env:"BREAKER_MAX_COOLDOWN" envDefault:"5m"`

	// RateLimitedCooldown is the floor applied when the provider throttles.
	RateLimitedCooldown time.Duration `env:"BREAKER_RATE_LIMITED_COOLDOWN" envDefault:"1m"`
}

// Sanitize applies guardrails to breaker configuration values.
func (b *BreakerEnvConfig) Sanitize() {
	if b.TripThreshold < 1 {
		b.TripThreshold = 1
	}
	if b.BaseCooldown <= 0 {
		b.BaseCooldown = 30 * time.Second
	}
	if b.MaxCooldown < b.BaseCooldown {
		b.MaxCooldown = 5 * time.Minute
	}
	if b.RateLimitedCooldown <= 0 {
		b.RateLimitedCooldown = time.Minute
	}
}

// PublisherConfig contains outbox publisher configuration.
type PublisherConfig struct {
	// BatchSize is the number of pending events claimed per tick.
	BatchSize int `env:"PUBLISHER_BATCH_SIZE" envDefault:"50"`

	// MaxRetries is the delivery attempt ceiling before an event is parked as failed.
	MaxRetries int `env:"PUBLISHER_MAX_RETRIES" envDefault:"10"`

	// Interval is the publisher tick interval.
	Interval time.Duration `env:"PUBLISHER_INTERVAL" envDefault:"1s"`
}

// Sanitize applies guardrails to publisher configuration values.
func (p *PublisherConfig) Sanitize() {
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
}

// ReaperConfig contains reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// JobRetention is the maximum age for terminal jobs before deletion.
	JobRetention time.Duration `env:"REAPER_JOB_RETENTION" envDefault:"168h"` // 7 days

	// OutboxRetention is the maximum age for published outbox rows before deletion.
	OutboxRetention time.Duration `env:"REAPER_OUTBOX_RETENTION" envDefault:"72h"` // 3 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.JobRetention < 1*time.Hour {
		r.JobRetention = 1 * time.Hour
	}
	if r.OutboxRetention < 1*time.Hour {
		r.OutboxRetention = 1 * time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
