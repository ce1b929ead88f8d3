package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"
)

var (
	// ErrVersionMismatch is returned by UpdateEventIfVersion when the stored
	// version differs from the expected one.
	ErrVersionMismatch = fmt.Errorf("store: version mismatch: %w", domain.ErrConflict)

	// ErrStatusMismatch is returned by TransitionInvitation when the stored
	// status is not the expected source status.
	ErrStatusMismatch = fmt.Errorf("store: invitation status mismatch: %w", domain.ErrConflict)

	// ErrDuplicate is returned on a uniqueness violation (membership already
	// present, second pending invitation for an email).
	ErrDuplicate = fmt.Errorf("store: duplicate: %w", domain.ErrConflict)
)

func notFound(op, resource string) error {
	return domain.NotFoundError{Op: op, Resource: resource}
}

// EventRepository persists events.
type EventRepository interface {
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEventsForActor(ctx context.Context, actorID string) ([]Event, error)
	// UpdateEventIfVersion writes ev's mutable fields and increments the
	// version by one, only if the stored version equals expected.
	UpdateEventIfVersion(ctx context.Context, ev Event, expected int64) (Event, error)
	// DeleteEvent removes the event with every membership and invitation.
	DeleteEvent(ctx context.Context, id string) error
}

// MembershipRepository persists memberships.
type MembershipRepository interface {
	access.MembershipLookup

	GetMembership(ctx context.Context, eventID, actorID string) (Membership, error)
	ListMemberships(ctx context.Context, eventID string) ([]Membership, error)
	FindMembershipByEmail(ctx context.Context, eventID, email string) (Membership, error)
	InsertMembership(ctx context.Context, m Membership) error
	UpdateMembershipRole(ctx context.Context, eventID, actorID string, role access.Role, now time.Time) (Membership, error)
	DeleteMembership(ctx context.Context, eventID, actorID string) error
}

// InvitationRepository persists invitations.
type InvitationRepository interface {
	GetInvitation(ctx context.Context, id string) (Invitation, error)
	GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error)
	ListInvitations(ctx context.Context, eventID string) ([]Invitation, error)
	FindPendingInvitation(ctx context.Context, eventID, email string) (Invitation, error)
	InsertInvitation(ctx context.Context, inv Invitation) error
	// TransitionInvitation moves an invitation from one status to another and
	// fails with ErrStatusMismatch when it is no longer in from.
	TransitionInvitation(ctx context.Context, id string, from, to InvitationStatus, now time.Time) (Invitation, error)
	DeleteInvitation(ctx context.Context, id string) error
	DeleteInvitationsForEmail(ctx context.Context, eventID, email string) (int64, error)
}

// Repositories is the full repository set, either bound to the shared store
// or to one event's critical section.
type Repositories interface {
	EventRepository
	MembershipRepository
	InvitationRepository
}

// Store is the persistence boundary.
//
// Methods promoted from Repositories run outside any critical section and are
// meant for reads. Every mutation of an existing event's collaboration state
// goes through WithinEvent.
type Store interface {
	Repositories

	// CreateEvent inserts the event and its owner membership atomically and
	// returns the event with its assigned Seq.
	CreateEvent(ctx context.Context, ev Event, owner Membership) (Event, error)

	// WithinEvent runs fn as the only in-flight mutation for eventID.
	// Calls for different events run in parallel.
	WithinEvent(ctx context.Context, eventID string, fn func(ctx context.Context, r Repositories) error) error

	Close() error
}

// IsVersionMismatch reports whether err is ErrVersionMismatch.
func IsVersionMismatch(err error) bool { return errors.Is(err, ErrVersionMismatch) }
