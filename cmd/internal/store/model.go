// Package store holds the persisted collaboration records and the repository
// boundary used by the event and invitation services.
//
// Records are plain data. Behavior (authorization, version checks, expiry
// evaluation) lives in the services; the store only guarantees that
// WithinEvent calls for the same event never overlap.
package store

import (
	"strings"
	"time"

	"tandem/cmd/internal/access"
)

// Color is the fixed event color palette.
type Color string

const (
	ColorBlue   Color = "blue"
	ColorGreen  Color = "green"
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
	ColorPurple Color = "purple"
	ColorOrange Color = "orange"
	ColorGray   Color = "gray"
)

// DefaultColor is applied when a create request omits the color.
const DefaultColor = ColorBlue

// ParseColor validates a wire color.
func ParseColor(s string) (Color, bool) {
	switch c := Color(strings.ToLower(strings.TrimSpace(s))); c {
	case ColorBlue, ColorGreen, ColorRed, ColorYellow, ColorPurple, ColorOrange, ColorGray:
		return c, true
	default:
		return "", false
	}
}

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	StatusActive    EventStatus = "active"
	StatusCompleted EventStatus = "completed"
	StatusCancelled EventStatus = "cancelled"
)

// ParseEventStatus validates a wire status.
func ParseEventStatus(s string) (EventStatus, bool) {
	switch st := EventStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusCompleted, StatusCancelled:
		return st, true
	default:
		return "", false
	}
}

// LinkKind names the aggregate an event may be attached to.
type LinkKind string

const (
	LinkChallenge LinkKind = "challenge"
	LinkDDay      LinkKind = "dday"
)

// ParseLinkKind validates a wire link kind.
func ParseLinkKind(s string) (LinkKind, bool) {
	switch k := LinkKind(strings.ToLower(strings.TrimSpace(s))); k {
	case LinkChallenge, LinkDDay:
		return k, true
	default:
		return "", false
	}
}

// Link points at a Challenge or D-day aggregate owned by another subsystem.
type Link struct {
	Kind LinkKind
	ID   string
}

// Event is the authoritative shared record. Version starts at 0 and grows by
// exactly one per accepted mutation.
type Event struct {
	ID          string
	Seq         int64
	OwnerID     string
	Title       string
	Description string
	AISource    string
	AISummary   string
	StartAt     time.Time
	EndAt       time.Time
	Color       Color
	Status      EventStatus
	Link        *Link
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy (Link is a pointer).
func (e Event) Clone() Event {
	if e.Link != nil {
		l := *e.Link
		e.Link = &l
	}
	return e
}

// Membership grants an actor a role on an event. Email is the verified
// address of the actor at the time they joined.
type Membership struct {
	EventID   string
	ActorID   string
	Email     string
	Role      access.Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InvitationStatus is the invitation lifecycle state.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// Terminal reports whether no transition leaves s.
func (s InvitationStatus) Terminal() bool { return s != InvitationPending }

// Invitation is an email offer of membership. Only the token hash is stored.
type Invitation struct {
	ID        string
	EventID   string
	InviterID string
	Email     string
	Role      access.Role
	TokenHash string
	Status    InvitationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
