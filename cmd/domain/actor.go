package domain

import "strings"

// Actor is an already-authenticated identity. Email is the verified address
// that invitation acceptance binds against.
type Actor struct {
	ID    string
	Email string
}

// Valid reports whether the actor carries an identity at all.
func (a Actor) Valid() bool { return strings.TrimSpace(a.ID) != "" }

// RequireActor returns ErrUnauthorized for an empty identity.
func RequireActor(op string, a Actor) error {
	if !a.Valid() {
		return OpError{Op: op, Kind: ErrUnauthorized, Msg: "missing identity"}
	}
	return nil
}
