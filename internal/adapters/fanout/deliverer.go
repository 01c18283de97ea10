package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reliefops/aiqueue/internal/core"
)

// redisChannelPrefix namespaces fan-out traffic on the shared Redis.
const redisChannelPrefix = "aiq:events:"

// redisChannel returns the Redis pub/sub channel for a fan-out topic.
func redisChannel(topic string) string {
	return redisChannelPrefix + topic
}

// DelivererOptions configures a fan-out deliverer.
type DelivererOptions struct {
	Hub    *Hub                  // Required: local subscription hub
	Redis  redis.UniversalClient // Optional: cross-process bridge
	Logger *slog.Logger          // Optional: structured logger
}

// Deliverer implements core.EventDeliverer by fanning each published outbox
// event out to the local hub and, when a Redis client is configured, to the
// matching Redis channels so subscribers in other processes see it too.
type Deliverer struct {
	hub    *Hub
	redis  redis.UniversalClient
	origin string
	logger *slog.Logger
}

// NewDeliverer constructs a fan-out deliverer.
func NewDeliverer(opts DelivererOptions) (*Deliverer, error) {
	if opts.Hub == nil {
		return nil, errors.New("hub is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Deliverer{
		hub:    opts.Hub,
		redis:  opts.Redis,
		origin: uuid.NewString(),
		logger: logger.With("component", "fanout"),
	}, nil
}

// Origin identifies this process on the Redis bridge.
func (d *Deliverer) Origin() string {
	return d.origin
}

// Deliver implements core.EventDeliverer. Local delivery never fails; a
// Redis publish error is returned so the outbox retries the event.
func (d *Deliverer) Deliver(ctx context.Context, event *core.DeliveredEvent) error {
	if event == nil {
		return errors.New("event is required")
	}

	publishLocal(d.hub, d.origin, event)

	if d.redis == nil {
		return nil
	}
	for _, topic := range eventTopics(event) {
		env := Envelope{Topic: topic, Origin: d.origin, Event: event}
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal fanout envelope: %w", err)
		}
		if err := d.redis.Publish(ctx, redisChannel(topic), body).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", redisChannel(topic), err)
		}
	}
	return nil
}
