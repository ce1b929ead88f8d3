// Package token generates single-use opaque tokens and hashes them for storage.
//
// The plain token only ever travels to the recipient (invitation link). The
// server stores a 64-char hex digest:
// - SHA-256(token) when no HMAC key is configured (dev).
// - HMAC-SHA256(token, key) when TANDEM_TOKEN_HMAC_KEY is set.
//
// When TANDEM_REQUIRE_TOKEN_HMAC=true the key is mandatory and must be at least
// MinHMACKeyBytes long; NewHasher refuses to build a SHA-only hasher then.
package token
