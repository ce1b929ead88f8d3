package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// MinHMACKeyBytes is the minimum key size accepted in enforced-HMAC mode.
const MinHMACKeyBytes = 32

// DefaultTokenBytes is the entropy of generated tokens.
const DefaultTokenBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// NewOpaque returns a URL-safe (base64url, unpadded) random token.
func NewOpaque(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = DefaultTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hasher hashes tokens for server-side storage.
type Hasher struct {
	key []byte
}

// NewHasher builds a Hasher. An empty key selects SHA-256 unless require is set.
func NewHasher(key string, require bool) (*Hasher, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		if require {
			return nil, ErrHMACKeyMissing
		}
		return &Hasher{}, nil
	}
	if require && len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &Hasher{key: []byte(key)}, nil
}

// HMAC reports whether the hasher is keyed.
func (h *Hasher) HMAC() bool { return h != nil && len(h.key) > 0 }

// Hash returns the stored digest for a plain token.
func (h *Hasher) Hash(plain string) string {
	if !h.HMAC() {
		return HashSHA256Hex(plain)
	}
	return HashHMACSHA256Hex(plain, h.key)
}
