// Package broadcast fans change notifications out to connected clients.
//
// Producers publish a Message to a logical channel key. The local Hub delivers
// it to every subscriber of that channel except the actor who caused the
// change. With Redis configured, RedisPublisher sends messages through PUBLISH
// and RedisRelay feeds every process's Hub, so all processes see every message
// exactly once.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one notification on a channel. EventID names the event the
// notice concerns, also on user channels.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	EventID string          `json:"event_id,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// NewMessage marshals payload into a Message stamped with now.
func NewMessage(channel, typ, origin string, payload any, now time.Time) (Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("broadcast: marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Message{
		Type:    typ,
		Channel: channel,
		Origin:  origin,
		Payload: raw,
		TS:      now.UTC(),
	}, nil
}

// Publisher delivers a message to its channel.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber receives messages for channels it joined.
//
// Deliver must not block. It reports false when the message was dropped.
type Subscriber interface {
	ActorID() string
	Deliver(msg Message) bool
}

// Channel key kinds.
const (
	KindParticipants = "participants"
	KindPresence     = "presence"
	KindUserEvents   = "events"
)

// ParticipantsChannel is the per-event participant notification channel.
func ParticipantsChannel(eventID string) string {
	return "event:" + eventID + ":" + KindParticipants
}

// PresenceChannel is the per-event presence channel.
func PresenceChannel(eventID string) string {
	return "event:" + eventID + ":" + KindPresence
}

// UserChannel carries notices targeting one actor across all their sessions.
func UserChannel(actorID string) string {
	return "user:" + actorID + ":" + KindUserEvents
}

// ParseChannel splits a channel key into scope ("event" or "user"), id and kind.
func ParseChannel(key string) (scope, id, kind string, ok bool) {
	first := strings.IndexByte(key, ':')
	last := strings.LastIndexByte(key, ':')
	if first <= 0 || last <= first+1 || last == len(key)-1 {
		return "", "", "", false
	}
	scope, id, kind = key[:first], key[first+1:last], key[last+1:]
	switch {
	case scope == "event" && (kind == KindParticipants || kind == KindPresence):
		return scope, id, kind, true
	case scope == "user" && kind == KindUserEvents:
		return scope, id, kind, true
	default:
		return "", "", "", false
	}
}

// Nop discards every message.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }
