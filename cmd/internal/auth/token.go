// Package auth verifies PASETO v4.public access tokens and turns them into
// the actor identity the rest of the service works with. Issuance lives here
// only for the CLI and tests; production tokens come from the identity provider.
package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"tandem/cmd/domain"
)

// Claims is the identity envelope carried by an access token.
type Claims struct {
	ActorID   string
	Email     string
	SessionID string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Actor returns the authenticated identity.
func (c Claims) Actor() domain.Actor {
	return domain.Actor{ID: c.ActorID, Email: c.Email}
}

// TokenManager issues and verifies short-lived access tokens.
type TokenManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret  paseto.V4AsymmetricSecretKey
	canSign bool
	public  paseto.V4AsymmetricPublicKey
}

// NewTokenManager builds a TokenManager from cfg. When both keys are set the
// public key must match the secret.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &TokenManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTTL,
		clockSkew: cfg.ClockSkew,
	}

	if hex := strings.TrimSpace(cfg.SecretKeyHex); hex != "" {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(hex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.canSign = true
		m.public = secret.Public()
	}

	if hex := strings.TrimSpace(cfg.PublicKeyHex); hex != "" {
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(hex)
		if err != nil {
			return nil, ErrConfig
		}
		if m.canSign && public.ExportHex() != m.public.ExportHex() {
			return nil, ErrConfig
		}
		m.public = public
	}

	return m, nil
}

// PublicKeyHex exports the verification key.
func (m *TokenManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

// CanIssue reports whether the manager holds a signing key.
func (m *TokenManager) CanIssue() bool { return m.canSign }

// Issue signs an access token for the actor.
func (m *TokenManager) Issue(actor domain.Actor, sessionID string, now time.Time) (string, time.Time, error) {
	if !m.canSign {
		return "", time.Time{}, ErrNoSigningKey
	}
	if !actor.Valid() {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	tok.SetString("uid", actor.ID)
	tok.SetString("email", domain.NormalizeEmail(actor.Email))
	if sessionID != "" {
		tok.SetString("sid", sessionID)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

// Verify checks signature, issuer and validity window and returns the claims.
func (m *TokenManager) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	// Validate slightly in the future to tolerate nbf on skewed clocks.
	validNow := now.Add(m.clockSkew)

	// A fresh parser per call; rules accumulate on the parser.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Claims{}, ErrInvalidToken
	}
	email, _ := parsed.GetString("email")
	sid, _ := parsed.GetString("sid")
	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()

	return Claims{
		ActorID:   uid,
		Email:     domain.NormalizeEmail(email),
		SessionID: sid,
		Issuer:    iss,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}

// Keypair is a freshly generated PASETO v4 signing keypair.
type Keypair struct {
	SecretKeyHex string
	PublicKeyHex string
}

// GenerateKeypair creates a new Ed25519 keypair for v4.public tokens.
func GenerateKeypair() Keypair {
	secret := paseto.NewV4AsymmetricSecretKey()
	return Keypair{
		SecretKeyHex: secret.ExportHex(),
		PublicKeyHex: secret.Public().ExportHex(),
	}
}
