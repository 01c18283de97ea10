// Package metrics emits standardised queue metrics through a StatsD sink.
package metrics

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/reliefops/aiqueue/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle transition for metric emission.
type JobMetric struct {
	UseCaseID  string
	Transition string
	Result     string
	Attempt    int
	IsFallback bool
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"use_case":   in.UseCaseID,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.IsFallback {
		tags["fallback"] = "true"
	}

	if in.Err != nil && in.Result == ResultError {
		if class := errorClass(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitBreakerTrip records a circuit breaker opening for a use case.
func EmitBreakerTrip(sink statsd.Sink, useCaseID string, rateLimited bool) {
	if sink == nil {
		return
	}
	tags := map[string]string{"use_case": useCaseID}
	if rateLimited {
		tags["rate_limited"] = "true"
	}
	sink.Count("breaker.trip", 1, tags)
}

// EmitOutboxDelivery records one outbox publish attempt.
func EmitOutboxDelivery(sink statsd.Sink, eventType, result string, duration time.Duration) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"event_type": eventType,
		"result":     result,
	}
	sink.Count("outbox.delivery", 1, tags)
	if duration > 0 {
		sink.Timing("outbox.latency", duration, CloneTags(tags))
	}
}

// EmitQueueDepth reports the current number of jobs in each state.
func EmitQueueDepth(sink statsd.Sink, useCaseID, status string, depth int) {
	if sink == nil {
		return
	}
	sink.Gauge("queue.depth", float64(depth), map[string]string{
		"use_case": useCaseID,
		"status":   status,
	})
}

// errorClass derives a low-cardinality tag value from an error: the innermost
// concrete type, lowercased with package qualifiers flattened, so a wrapped
// *net.OpError tags as "net_operror" no matter how deep the %w chain runs.
func errorClass(err error) string {
	if err == nil {
		return ""
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ToLower(strings.NewReplacer("*", "", ".", "_").Replace(t.String()))
	if name == "" {
		return "unknown"
	}
	return name
}

// CloneTags creates a shallow copy of a tag map, filtering out empty maps.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
