// Package fanout provides best-effort event fan-out: an in-process
// subscription hub plus an optional Redis bridge so delivered events reach
// subscribers in other processes. Fan-out is lossy on purpose; the outbox
// remains the durable record and slow consumers drop messages rather than
// stall the publisher.
package fanout

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/reliefops/aiqueue/internal/core"
)

// Well-known topics. Per-job events are additionally routed to the
// use-case and entity topics derived from their payload.
const (
	TopicBroadcast = "broadcast"

	topicUseCasePrefix = "use_case:"
	topicEntityPrefix  = "entity:"
)

// TopicUseCase returns the topic carrying all events for one use case.
func TopicUseCase(useCaseID string) string {
	return topicUseCasePrefix + useCaseID
}

// TopicEntity returns the topic carrying all events for one entity.
func TopicEntity(entityType, entityID string) string {
	return fmt.Sprintf("%s%s:%s", topicEntityPrefix, entityType, entityID)
}

// Envelope is one fanned-out event on a topic. Origin identifies the
// process that first published it, so relays can skip their own traffic.
type Envelope struct {
	Topic  string               `json:"topic"`
	Origin string               `json:"origin,omitempty"`
	Event  *core.DeliveredEvent `json:"event"`
}

// UnsubscribeFunc removes a subscription and closes its channel.
// Safe to call more than once.
type UnsubscribeFunc func()

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch chan Envelope
}

// Hub is an in-process topic hub. Sends never block: a subscriber whose
// buffer is full misses the envelope.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool

	dropped func(topic string) // test hook, may be nil
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a consumer for one topic. The returned channel is
// closed by the unsubscribe function or by Close.
func (h *Hub) Subscribe(topic string) (<-chan Envelope, UnsubscribeFunc) {
	return h.SubscribeBuffered(topic, defaultSubscriberBuffer)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer size.
func (h *Hub) SubscribeBuffered(topic string, buffer int) (<-chan Envelope, UnsubscribeFunc) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Envelope, buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.topics[topic]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(h.topics, topic)
				}
			}
			alreadyClosed := h.closed
			h.mu.Unlock()
			if !alreadyClosed {
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsub
}

// Publish sends the envelope to every subscriber of its topic. Full
// subscriber buffers are skipped.
func (h *Hub) Publish(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.topics[env.Topic] {
		select {
		case sub.ch <- env:
		default:
			if h.dropped != nil {
				h.dropped(env.Topic)
			}
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, topic)
	}
}

// eventTopics derives the topics a delivered event fans out to. Every event
// hits broadcast; job and result events additionally hit their use-case and
// entity topics when the payload carries those fields.
func eventTopics(event *core.DeliveredEvent) []string {
	topics := []string{TopicBroadcast}
	if len(event.Payload) == 0 {
		return topics
	}

	var fields struct {
		UseCaseID  string `json:"use_case_id"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
	}
	if err := json.Unmarshal(event.Payload, &fields); err != nil {
		return topics
	}
	if fields.UseCaseID != "" {
		topics = append(topics, TopicUseCase(fields.UseCaseID))
	}
	if fields.EntityType != "" && fields.EntityID != "" {
		topics = append(topics, TopicEntity(fields.EntityType, fields.EntityID))
	}
	return topics
}

// publishLocal fans one event out to all of its derived topics on the hub.
func publishLocal(hub *Hub, origin string, event *core.DeliveredEvent) {
	for _, topic := range eventTopics(event) {
		hub.Publish(Envelope{Topic: topic, Origin: origin, Event: event})
	}
}
