// Package events fans out real-time notifications to subscribers without
// ever blocking the publisher.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"

	"github.com/google/uuid"
)

// Topics emitted by the query pipeline.
const (
	TopicDNSQuery       = "dns-query"
	TopicDeviceActivity = "device-activity"
	TopicStatsUpdate    = "stats-update"
	TopicRulesUpdate    = "rules-update"
	TopicEnforcement    = "enforcement-status"
)

// DefaultBuffer is the per-subscriber channel size used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 64

// Message is one published event.
type Message struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription receives messages until it is unsubscribed or the hub is
// closed, at which point C is closed.
type Subscription struct {
	ID string
	C  <-chan Message

	ch      chan Message
	dropped atomic.Uint64
}

// Dropped returns how many messages were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub delivers each published message to every subscriber whose buffer has
// room. Full subscribers miss the message.
type Hub struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger, metrics *telemetry.Metrics) *Hub {
	return &Hub{
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber with a channel of the given size.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{ID: uuid.New().String(), C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.ID] = sub
	h.logger.Debug("Event subscriber added", "id", sub.ID, "subscribers", len(h.subs))
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
}

// Publish sends data under topic to every subscriber. It never blocks.
func (h *Hub) Publish(topic string, data any) {
	msg := Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now(),
		Data:      data,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			h.metrics.AddDroppedEvent(context.Background(), topic)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
