package invite

import (
	"fmt"

	"tandem/cmd/domain"
)

var (
	// ErrAlreadyMember rejects inviting an email that already holds a membership.
	ErrAlreadyMember = fmt.Errorf("invite: email already belongs to a member: %w", domain.ErrConflict)

	// ErrDuplicatePending rejects a second pending invitation for the same email.
	ErrDuplicatePending = fmt.Errorf("invite: a pending invitation already exists for this email: %w", domain.ErrConflict)

	// ErrExpired is returned by every token path once the invitation is past
	// its horizon.
	ErrExpired = domain.OpError{Op: "invite", Kind: domain.ErrExpired, Msg: "invitation has expired"}
)

func errInvitationNotFound(op string) error {
	return domain.NotFoundError{Op: op, Resource: "invitation"}
}
