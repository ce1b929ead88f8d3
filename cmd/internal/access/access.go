// Package access resolves an actor's role on an event and answers capability
// questions against the fixed role matrix.
package access

import (
	"context"
	"errors"
	"strings"

	"tandem/cmd/domain"
)

// Role is an actor's standing on one event.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// ParseRole maps a wire value to a Role. Unknown values yield RoleNone, false.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleEditor:
		return RoleEditor, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return RoleNone, false
	}
}

// Invitable reports whether r may be offered through an invitation or a role change.
// Ownership is never transferable.
func (r Role) Invitable() bool { return r == RoleEditor || r == RoleViewer }

// Member reports whether r grants any access.
func (r Role) Member() bool { return r == RoleOwner || r == RoleEditor || r == RoleViewer }

func (r Role) String() string { return string(r) }

// Action is a capability checked against the role matrix.
type Action uint8

const (
	ActionRead Action = iota + 1
	ActionUpdate
	ActionManage // invite, change roles, remove participants
	ActionDelete
	ActionPresence
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionUpdate:
		return "update"
	case ActionManage:
		return "manage"
	case ActionDelete:
		return "delete"
	case ActionPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Can reports whether role may perform action.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		switch action {
		case ActionRead, ActionUpdate, ActionManage, ActionDelete, ActionPresence:
			return true
		}
	case RoleEditor:
		switch action {
		case ActionRead, ActionUpdate, ActionPresence:
			return true
		}
	case RoleViewer:
		switch action {
		case ActionRead, ActionPresence:
			return true
		}
	}
	return false
}

// MembershipLookup is the slice of membership storage the resolver needs.
// It returns an error matching domain.ErrNotFound when no membership exists.
type MembershipLookup interface {
	MembershipRole(ctx context.Context, eventID, actorID string) (Role, error)
}

// Resolver answers roleOf(event, actor) from the membership relation.
type Resolver struct {
	members MembershipLookup
}

// NewResolver constructs a Resolver.
func NewResolver(members MembershipLookup) *Resolver {
	return &Resolver{members: members}
}

// RoleOf returns the actor's role or RoleNone when they hold no membership.
// The owner membership is written together with the event, so the creator is
// always resolved through the same path as every other member.
func (r *Resolver) RoleOf(ctx context.Context, eventID, actorID string) (Role, error) {
	if r == nil || r.members == nil {
		return RoleNone, errors.New("access: nil resolver")
	}
	if strings.TrimSpace(eventID) == "" || strings.TrimSpace(actorID) == "" {
		return RoleNone, nil
	}
	role, err := r.members.MembershipRole(ctx, eventID, actorID)
	if err != nil {
		if domain.IsNotFound(err) {
			return RoleNone, nil
		}
		return RoleNone, err
	}
	if !role.Member() {
		return RoleNone, nil
	}
	return role, nil
}

// Authorize resolves the role and fails with domain.ErrForbidden when the
// action is not permitted.
func (r *Resolver) Authorize(ctx context.Context, op, eventID, actorID string, action Action) (Role, error) {
	role, err := r.RoleOf(ctx, eventID, actorID)
	if err != nil {
		return RoleNone, err
	}
	if !Can(role, action) {
		return role, domain.Forbidden(op, action.String()+" not permitted for role "+role.String())
	}
	return role, nil
}
