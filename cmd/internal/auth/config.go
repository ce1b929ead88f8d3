package auth

import (
	"strings"
	"time"
)

// Config controls access token verification (and issuance for dev tooling).
//
// A secret key enables both Issue and Verify. A public key alone gives a
// verify-only manager for deployments where tokens are minted elsewhere.
type Config struct {
	Issuer       string        `env:"ISSUER" envDefault:"tandem"`
	SecretKeyHex string        `env:"PASETO_V4_SECRET_KEY_HEX"`
	PublicKeyHex string        `env:"PASETO_V4_PUBLIC_KEY_HEX"`
	AccessTTL    time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	ClockSkew    time.Duration `env:"CLOCK_SKEW" envDefault:"30s"`
}

// DefaultConfig returns the defaults without any key material.
func DefaultConfig() Config {
	return Config{
		Issuer:    "tandem",
		AccessTTL: 15 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

// Validate reports ErrConfig for unusable settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}
	if c.AccessTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	if strings.TrimSpace(c.SecretKeyHex) == "" && strings.TrimSpace(c.PublicKeyHex) == "" {
		return ErrConfig
	}
	return nil
}
