package auth

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when the request carries no access token.
	ErrMissingToken = errors.New("missing token")

	// ErrNoSigningKey is returned by Issue on a verify-only manager.
	ErrNoSigningKey = errors.New("no signing key configured")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
