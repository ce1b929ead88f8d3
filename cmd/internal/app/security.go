package app

import (
	"errors"

	"tandem/cmd/security/token"
)

// NewTokenHasher enforces the invitation-token hashing policy at startup and
// returns the hasher the invite service stores digests with.
//
// With REQUIRE_TOKEN_HMAC set, a missing or short key refuses to start rather
// than falling back to plain SHA-256.
func NewTokenHasher(cfg Config) (*token.Hasher, error) {
	h, err := token.NewHasher(cfg.TokenHMACKey, cfg.RequireTokenHMAC)
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		return nil, errors.New("security policy: TANDEM_REQUIRE_TOKEN_HMAC=true but TANDEM_TOKEN_HMAC_KEY is missing")
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return nil, errors.New("security policy: TANDEM_REQUIRE_TOKEN_HMAC=true but TANDEM_TOKEN_HMAC_KEY is too short (min 32 bytes)")
	case err != nil:
		return nil, err
	}

	if cfg.RequireTokenHMAC && !h.HMAC() {
		return nil, errors.New("security policy: TANDEM_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}
	return h, nil
}
