package domain

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds; Msg is safe to show to clients.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// Invalid builds a ValidationFailed error for op.
func Invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// Forbidden builds a Forbidden error for op.
func Forbidden(op, msg string) error {
	return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
}

// NotFoundError reports a missing event, membership or invitation.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// DeliveryWarning reports that state was persisted but an out-of-band
// notification (invitation email) could not be dispatched. It is never fatal.
type DeliveryWarning struct {
	Email string
	Err   error
}

func (w DeliveryWarning) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrDeliveryWarning, w.Email, w.Err)
}

func (w DeliveryWarning) Unwrap() []error { return []error{ErrDeliveryWarning, w.Err} }

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsExpired reports whether err represents ErrExpired.
func IsExpired(err error) bool { return errors.Is(err, ErrExpired) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
