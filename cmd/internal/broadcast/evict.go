package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"
)

// TypeEvict is a control message. Hubs apply it and never deliver it.
const TypeEvict = "evict"

// Eviction is the TypeEvict payload. No actor ids means every subscriber.
type Eviction struct {
	ActorIDs []string `json:"actor_ids,omitempty"`
}

// Evictee is implemented by subscribers that hold per-event state beyond
// their hub subscription.
type Evictee interface {
	Evicted(eventID string)
}

// Evict unsubscribes matching subscribers from eventID's participants and
// presence channels, then calls Evicted on each of them outside the lock.
// With no actorIDs every subscriber of the event is evicted. It returns the
// number of subscribers evicted.
func (h *Hub) Evict(eventID string, actorIDs ...string) int {
	if h == nil || eventID == "" {
		return 0
	}

	seen := make(map[Subscriber]struct{})
	h.mu.Lock()
	for _, ch := range []string{ParticipantsChannel(eventID), PresenceChannel(eventID)} {
		for sub := range h.channels[ch] {
			if len(actorIDs) > 0 && !slices.Contains(actorIDs, sub.ActorID()) {
				continue
			}
			seen[sub] = struct{}{}
			h.removeLocked(ch, sub)
		}
	}
	h.mu.Unlock()

	for sub := range seen {
		if e, ok := sub.(Evictee); ok {
			e.Evicted(eventID)
		}
	}
	if len(seen) > 0 {
		h.log.Info("broadcast.evict", "event_id", eventID, "actors", len(actorIDs), "evicted", len(seen))
	}
	return len(seen)
}

func (h *Hub) applyEviction(msg Message) {
	var e Eviction
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			h.log.Warn("broadcast.evict.decode_fail", "event_id", msg.EventID, "err", err)
			return
		}
	}
	h.Evict(msg.EventID, e.ActorIDs...)
}

// Evictor tears down the live subscriptions of actors who lost access to an
// event. The local hub is evicted synchronously so later notices from this
// process cannot reach them; remote, when set, carries the eviction to the
// other processes' hubs.
type Evictor struct {
	hub    *Hub
	remote Publisher
	log    *slog.Logger
}

// NewEvictor constructs an Evictor. remote may be nil for a single process.
func NewEvictor(hub *Hub, remote Publisher, log *slog.Logger) *Evictor {
	if log == nil {
		log = slog.Default()
	}
	if p, ok := remote.(*Hub); ok && p == hub {
		remote = nil
	}
	return &Evictor{hub: hub, remote: remote, log: log}
}

// Evict drops actorIDs (every subscriber when empty) from eventID's channels.
// Remote failures are logged, never returned.
func (e *Evictor) Evict(ctx context.Context, eventID string, actorIDs ...string) {
	e.hub.Evict(eventID, actorIDs...)
	if e.remote == nil {
		return
	}

	msg, err := NewMessage(ParticipantsChannel(eventID), TypeEvict, "", Eviction{ActorIDs: actorIDs}, time.Now())
	if err != nil {
		e.log.Error("broadcast.evict.fail", "event_id", eventID, "err", err)
		return
	}
	msg.EventID = eventID
	if err := e.remote.Publish(ctx, msg); err != nil {
		e.log.Warn("broadcast.evict.publish_fail", "event_id", eventID, "err", err)
	}
}
