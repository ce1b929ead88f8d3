package domain

import (
	"net/mail"
	"strings"
)

const maxEmailBytes = 254

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidEmail reports whether s (already normalized) is a bare addr-spec.
// Display-name forms ("Ann <a@x>") are rejected.
func ValidEmail(s string) bool {
	if s == "" || len(s) > maxEmailBytes {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s && addr.Name == ""
}

// SameEmail compares two addresses after normalization.
func SameEmail(a, b string) bool {
	a, b = NormalizeEmail(a), NormalizeEmail(b)
	return a != "" && a == b
}
