package events

import (
	"fmt"

	"tandem/cmd/domain"
	"tandem/cmd/internal/store"
)

// ConflictError is returned when the expected version is stale. Current is
// the authoritative snapshot the caller must re-render and re-apply against.
type ConflictError struct {
	Current store.Event
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("events: version conflict: current version is %d", e.Current.Version)
}

func (e *ConflictError) Unwrap() error { return domain.ErrConflict }

var (
	// ErrOwnerImmutable rejects removing, demoting or leaving as the owner.
	ErrOwnerImmutable = domain.Invalid("events", "the owner membership cannot be changed")
)
