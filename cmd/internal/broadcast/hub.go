package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"tandem/cmd/internal/metrics"
)

// Hub is the in-process fan-out registry: channel key -> subscribers.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are safe under concurrent Dispatch.
// - Dispatch never blocks (Subscriber.Deliver drops under backpressure).
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	channels map[string]map[Subscriber]struct{}
}

var _ Publisher = (*Hub)(nil)

// NewHub constructs an empty Hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  m,
		channels: make(map[string]map[Subscriber]struct{}),
	}
}

// Subscribe adds sub to channel. Subscribing twice is a no-op.
func (h *Hub) Subscribe(channel string, sub Subscriber) {
	if h == nil || sub == nil || channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.channels[channel]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.channels[channel] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub from channel.
func (h *Hub) Unsubscribe(channel string, sub Subscriber) {
	if h == nil || sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(channel, sub)
}

// UnsubscribeAll removes sub from every channel. Used on disconnect.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	if h == nil || sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.channels {
		h.removeLocked(ch, sub)
	}
}

func (h *Hub) removeLocked(channel string, sub Subscriber) {
	set, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

// Subscribers returns the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish dispatches msg locally. It never fails.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.Dispatch(msg)
	return nil
}

// Dispatch delivers msg to every subscriber of msg.Channel whose actor is not
// msg.Origin. It returns the number of deliveries.
func (h *Hub) Dispatch(msg Message) int {
	if h == nil || msg.Channel == "" {
		return 0
	}
	if msg.Type == TypeEvict {
		h.applyEviction(msg)
		return 0
	}

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.channels[msg.Channel]))
	for sub := range h.channels[msg.Channel] {
		if msg.Origin != "" && sub.ActorID() == msg.Origin {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, sub := range targets {
		if sub.Deliver(msg) {
			delivered++
		} else {
			dropped++
		}
	}

	h.metrics.Fanout(delivered, dropped)
	if dropped > 0 {
		h.log.Warn("broadcast.drop", "channel", msg.Channel, "type", msg.Type, "dropped", dropped)
	}
	return delivered
}
