package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected map[ServiceMode]bool
		wantErr  bool
	}{
		{
			name:     "single service",
			input:    "dispatcher",
			expected: map[ServiceMode]bool{ServiceModeDispatcher: true},
		},
		{
			name:  "all services",
			input: "dispatcher,publisher,relay,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeDispatcher: true,
				ServiceModePublisher:  true,
				ServiceModeRelay:      true,
				ServiceModeReaper:     true,
			},
		},
		{
			name:  "whitespace tolerated",
			input: " dispatcher , publisher ",
			expected: map[ServiceMode]bool{
				ServiceModeDispatcher: true,
				ServiceModePublisher:  true,
			},
		},
		{
			name:     "duplicate names collapse",
			input:    "reaper,reaper",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "only separators",
			input:   ", ,",
			wantErr: true,
		},
		{
			name:    "unknown service",
			input:   "dispatcher,webserver",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services, err := ParseServices(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, services)
		})
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	assert.Len(t, modes, 4)
	assert.Contains(t, modes, ServiceModeDispatcher)
	assert.Contains(t, modes, ServiceModeRelay)
}

func TestQueueConfig_Sanitize(t *testing.T) {
	cfg := QueueConfig{
		DefaultMaxAttempts: 0,
		RetryBackoffBase:   -time.Second,
		RetryBackoffMax:    time.Millisecond,
		RetryBackoffJitter: -time.Second,
	}
	cfg.Sanitize()

	assert.Equal(t, 1, cfg.DefaultMaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryBackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.RetryBackoffMax)
	assert.Equal(t, time.Duration(0), cfg.RetryBackoffJitter)
}

func TestQueueConfig_Sanitize_KeepsValidValues(t *testing.T) {
	cfg := QueueConfig{
		DefaultMaxAttempts: 5,
		RetryBackoffBase:   2 * time.Second,
		RetryBackoffMax:    time.Minute,
		RetryBackoffJitter: 100 * time.Millisecond,
	}
	cfg.Sanitize()

	assert.Equal(t, 5, cfg.DefaultMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoffBase)
	assert.Equal(t, time.Minute, cfg.RetryBackoffMax)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoffJitter)
}

func TestDispatcherConfig_Sanitize(t *testing.T) {
	cfg := DispatcherConfig{
		Concurrency:    0,
		BatchSize:      -5,
		JobLease:       time.Second,
		ExecuteTimeout: 0,
		PollInterval:   -time.Second,
	}
	cfg.Sanitize()

	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.JobLease)
	assert.Equal(t, 30*time.Second, cfg.ExecuteTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestBreakerEnvConfig_Sanitize(t *testing.T) {
	cfg := BreakerEnvConfig{
		TripThreshold:       0,
		BaseCooldown:        0,
		MaxCooldown:         time.Second,
		RateLimitedCooldown: 0,
	}
	cfg.Sanitize()

	assert.Equal(t, 1, cfg.TripThreshold)
	assert.Equal(t, 30*time.Second, cfg.BaseCooldown)
	assert.Equal(t, 5*time.Minute, cfg.MaxCooldown)
	assert.Equal(t, time.Minute, cfg.RateLimitedCooldown)
}

func TestPublisherConfig_Sanitize(t *testing.T) {
	cfg := PublisherConfig{BatchSize: 0, MaxRetries: -1, Interval: 0}
	cfg.Sanitize()

	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.Interval)
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{
		Interval:        time.Second,
		JobRetention:    time.Minute,
		OutboxRetention: 0,
		BatchSize:       50000,
	}
	cfg.Sanitize()

	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, time.Hour, cfg.JobRetention)
	assert.Equal(t, time.Hour, cfg.OutboxRetention)
	assert.Equal(t, 10000, cfg.BatchSize)

	cfg = ReaperConfig{BatchSize: 0, Interval: 5 * time.Minute, JobRetention: 168 * time.Hour, OutboxRetention: 72 * time.Hour}
	cfg.Sanitize()
	assert.Equal(t, 1, cfg.BatchSize)
}

func TestExecutorConfig_Sanitize(t *testing.T) {
	cfg := ExecutorConfig{
		URL:         "  https://gateway.internal/execute  ",
		FallbackURL: " ",
		RetryLimit:  -3,
	}
	cfg.Sanitize()

	assert.Equal(t, "https://gateway.internal/execute", cfg.URL)
	assert.Equal(t, "", cfg.FallbackURL)
	assert.Equal(t, 0, cfg.RetryLimit)
}
