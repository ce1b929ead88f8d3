// Package v1 defines the tandem Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must offer.
const Subprotocol = "tandem.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeEventJoin enters an event's presence roster and notification channels (client -> server).
	TypeEventJoin = "event_join"
	// TypeEventLeave leaves an event's roster (client -> server) and is echoed back.
	TypeEventLeave = "event_leave"

	// TypePresenceEditing sets the editing flag (client -> server) or reports it (server -> client).
	TypePresenceEditing = "presence_editing"
	// TypePresenceHere is the roster snapshot sent to a joining client.
	TypePresenceHere = "presence_here"
	// TypePresenceJoined notifies present clients that an actor joined.
	TypePresenceJoined = "presence_joined"
	// TypePresenceLeft notifies present clients that an actor left or disconnected.
	TypePresenceLeft = "presence_left"

	TypeEventUpdated        = "event_updated"
	TypeEventDeleted        = "event_deleted"
	TypeRoleChanged         = "role_changed"
	TypeParticipantJoined   = "participant_joined"
	TypeParticipantRemoved  = "participant_removed"
	TypeParticipantLeft     = "participant_left"
	TypeParticipantDeclined = "participant_declined"
	TypeInvitationIssued    = "invitation_issued"
	TypeInvitationExpired   = "invitation_expired"
	TypeInvitationRevoked   = "invitation_revoked"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeEventJoin,
		TypeEventLeave,
		TypePresenceEditing,
		TypePresenceHere,
		TypePresenceJoined,
		TypePresenceLeft,
		TypeEventUpdated,
		TypeEventDeleted,
		TypeRoleChanged,
		TypeParticipantJoined,
		TypeParticipantRemoved,
		TypeParticipantLeft,
		TypeParticipantDeclined,
		TypeInvitationIssued,
		TypeInvitationExpired,
		TypeInvitationRevoked,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ClientType reports whether clients may send typ.
func ClientType(typ string) bool {
	switch typ {
	case TypeHello, TypeEventJoin, TypeEventLeave, TypePresenceEditing:
		return true
	default:
		return false
	}
}

// ---- Views (shared with the REST surface) ----

// LinkView is an optional link to a Challenge or D-day aggregate.
type LinkView struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// EventView is the wire snapshot of an event.
type EventView struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	AISource    string    `json:"ai_source"`
	AISummary   string    `json:"ai_summary"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	Color       string    `json:"color"`
	Status      string    `json:"status"`
	Link        *LinkView `json:"link,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ParticipantView is one membership of an event.
type ParticipantView struct {
	ActorID  string    `json:"actor_id"`
	Email    string    `json:"email,omitempty"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// InvitationView never carries the token.
type InvitationView struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	InviterID string    `json:"inviter_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ActorView is one roster entry.
type ActorView struct {
	ActorID  string    `json:"actor_id"`
	Email    string    `json:"email,omitempty"`
	Editing  bool      `json:"editing"`
	JoinedAt time.Time `json:"joined_at"`
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the session and the authenticated actor.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id"`
}

// EventJoinPayload requests presence in an event.
type EventJoinPayload struct {
	EventID string `json:"event_id"`
}

// EventLeavePayload leaves an event's roster.
type EventLeavePayload struct {
	EventID string `json:"event_id"`
}

// PresenceEditingPayload is the editing flag. ActorID is empty on client requests.
type PresenceEditingPayload struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id,omitempty"`
	Editing bool   `json:"editing"`
}

// PresenceHerePayload is the roster at join time, including the joining actor.
type PresenceHerePayload struct {
	EventID string      `json:"event_id"`
	Actors  []ActorView `json:"actors"`
}

type PresenceJoinedPayload struct {
	EventID string    `json:"event_id"`
	Actor   ActorView `json:"actor"`
}

type PresenceLeftPayload struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
}

// EventUpdatedPayload carries the new authoritative snapshot.
type EventUpdatedPayload struct {
	Event EventView `json:"event"`
}

type EventDeletedPayload struct {
	EventID string `json:"event_id"`
}

type RoleChangedPayload struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type ParticipantJoinedPayload struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}

type ParticipantRemovedPayload struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
}

type ParticipantLeftPayload struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
}

type ParticipantDeclinedPayload struct {
	EventID string `json:"event_id"`
	Email   string `json:"email"`
}

// InvitationPayload is shared by invitation_issued, invitation_expired and invitation_revoked.
type InvitationPayload struct {
	Invitation InvitationView `json:"invitation"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
