package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RelayOptions configures a Redis-to-hub relay.
type RelayOptions struct {
	Hub    *Hub                  // Required: local subscription hub
	Redis  redis.UniversalClient // Required: shared Redis
	Origin string                // Optional: skip envelopes this process published itself
	Logger *slog.Logger          // Optional: structured logger
}

// Relay consumes the Redis fan-out channels and republishes envelopes into
// the local hub, so subscribers in this process see events published
// elsewhere. Envelopes carrying this process's own origin are skipped to
// avoid double delivery.
type Relay struct {
	hub    *Hub
	redis  redis.UniversalClient
	origin string
	logger *slog.Logger
}

// NewRelay constructs a relay.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		hub:    opts.Hub,
		redis:  opts.Redis,
		origin: opts.Origin,
		logger: logger.With("component", "fanout_relay"),
	}, nil
}

// Run subscribes to every fan-out channel and pumps envelopes into the hub
// until the context is cancelled. Returns nil on graceful shutdown.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.redis.PSubscribe(ctx, redisChannel("*"))
	defer func() {
		if err := sub.Close(); err != nil {
			r.logger.Warn("closing fanout subscription", "error", err)
		}
	}()

	// Fail fast when Redis is unreachable rather than looping on a dead
	// subscription.
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	r.logger.InfoContext(ctx, "fanout relay started", "pattern", redisChannel("*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *Relay) handle(msg *redis.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("dropping malformed fanout envelope",
			"channel", msg.Channel, "error", err)
		return
	}
	if env.Event == nil {
		return
	}
	if r.origin != "" && env.Origin == r.origin {
		return
	}
	if env.Topic == "" {
		env.Topic = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
	}
	r.hub.Publish(env)
}
