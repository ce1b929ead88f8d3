package domain

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not_found")
	ErrConflict        = errors.New("conflict")
	ErrExpired         = errors.New("expired")
	ErrInvalidInput    = errors.New("invalid_input")
	ErrDeliveryWarning = errors.New("delivery_warning")
)
