package metrics

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMetric struct {
	kind  string
	name  string
	count int64
	gauge float64
	dur   time.Duration
	tags  map[string]string
}

// captureSink records every emission for assertion.
type captureSink struct {
	metrics []recordedMetric
}

func (s *captureSink) Count(name string, value int64, tags map[string]string) {
	s.metrics = append(s.metrics, recordedMetric{kind: "count", name: name, count: value, tags: tags})
}

func (s *captureSink) Gauge(name string, value float64, tags map[string]string) {
	s.metrics = append(s.metrics, recordedMetric{kind: "gauge", name: name, gauge: value, tags: tags})
}

func (s *captureSink) Timing(name string, value time.Duration, tags map[string]string) {
	s.metrics = append(s.metrics, recordedMetric{kind: "timing", name: name, dur: value, tags: tags})
}

func TestEmitJobLifecycle(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	EmitJobLifecycle(sink, JobMetric{
		UseCaseID:  "summarize",
		Transition: "succeeded",
		Result:     ResultSuccess,
		IsFallback: true,
		Duration:   250 * time.Millisecond,
	})

	require.Len(t, sink.metrics, 2)
	transition := sink.metrics[0]
	assert.Equal(t, "count", transition.kind)
	assert.Equal(t, "job.transition", transition.name)
	assert.Equal(t, int64(1), transition.count)
	assert.Equal(t, "summarize", transition.tags["use_case"])
	assert.Equal(t, "true", transition.tags["fallback"])

	timing := sink.metrics[1]
	assert.Equal(t, "timing", timing.kind)
	assert.Equal(t, "job.duration", timing.name)
	assert.Equal(t, 250*time.Millisecond, timing.dur)
	assert.Equal(t, "succeeded", timing.tags["transition"])
}

func TestEmitJobLifecycle_TagsErrorClass(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	wrapped := fmt.Errorf("execute job: %w", &net.OpError{Op: "dial"})
	EmitJobLifecycle(sink, JobMetric{
		UseCaseID:  "summarize",
		Transition: "failed",
		Result:     ResultError,
		Err:        wrapped,
	})

	require.NotEmpty(t, sink.metrics)
	assert.Equal(t, "net_operror", sink.metrics[0].tags["error_class"])
}

func TestEmitJobLifecycle_NilSink(t *testing.T) {
	t.Parallel()
	EmitJobLifecycle(nil, JobMetric{UseCaseID: "summarize"})
}

func TestEmitBreakerTrip(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	EmitBreakerTrip(sink, "summarize", true)

	require.Len(t, sink.metrics, 1)
	assert.Equal(t, "breaker.trip", sink.metrics[0].name)
	assert.Equal(t, "true", sink.metrics[0].tags["rate_limited"])

	sink.metrics = nil
	EmitBreakerTrip(sink, "classify", false)
	require.Len(t, sink.metrics, 1)
	_, tagged := sink.metrics[0].tags["rate_limited"]
	assert.False(t, tagged)
}

func TestEmitOutboxDelivery(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	EmitOutboxDelivery(sink, "ai_job.succeeded", ResultSuccess, 40*time.Millisecond)

	require.Len(t, sink.metrics, 2)
	assert.Equal(t, "outbox.delivery", sink.metrics[0].name)
	assert.Equal(t, "ai_job.succeeded", sink.metrics[0].tags["event_type"])
	assert.Equal(t, "outbox.latency", sink.metrics[1].name)
}

func TestEmitQueueDepth(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	EmitQueueDepth(sink, "summarize", "queued", 17)

	require.Len(t, sink.metrics, 1)
	assert.Equal(t, "gauge", sink.metrics[0].kind)
	assert.Equal(t, float64(17), sink.metrics[0].gauge)
	assert.Equal(t, "queued", sink.metrics[0].tags["status"])
}

func TestErrorClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain errorString", errors.New("boom"), "errors_errorstring"},
		{"wrapped op error", fmt.Errorf("claim: %w", &net.OpError{Op: "read"}), "net_operror"},
		{"doubly wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", &net.AddrError{})), "net_addrerror"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorClass(tc.err))
		})
	}
}

func TestCloneTags(t *testing.T) {
	t.Parallel()

	assert.Nil(t, CloneTags(nil))
	src := map[string]string{"use_case": "summarize"}
	cp := CloneTags(src)
	cp["use_case"] = "classify"
	assert.Equal(t, "summarize", src["use_case"])
}
