package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"tandem/cmd/domain"
)

func newTestManager(t *testing.T) (*TokenManager, Keypair) {
	t.Helper()
	kp := GenerateKeypair()
	cfg := DefaultConfig()
	cfg.SecretKeyHex = kp.SecretKeyHex
	m, err := NewTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return m, kp
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	kp := GenerateKeypair()
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"secret only", func(c *Config) { c.SecretKeyHex = kp.SecretKeyHex }, true},
		{"public only", func(c *Config) { c.PublicKeyHex = kp.PublicKeyHex }, true},
		{"no keys", func(c *Config) {}, false},
		{"empty issuer", func(c *Config) { c.SecretKeyHex = kp.SecretKeyHex; c.Issuer = " " }, false},
		{"zero ttl", func(c *Config) { c.SecretKeyHex = kp.SecretKeyHex; c.AccessTTL = 0 }, false},
		{"negative skew", func(c *Config) { c.SecretKeyHex = kp.SecretKeyHex; c.ClockSkew = -time.Second }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrConfig) {
				t.Fatalf("Validate = %v, want ErrConfig", err)
			}
		})
	}
}

func TestNewTokenManager_BadKeys(t *testing.T) {
	t.Parallel()

	a, b := GenerateKeypair(), GenerateKeypair()
	cases := []Config{
		{Issuer: "tandem", AccessTTL: time.Minute, SecretKeyHex: "zz"},
		{Issuer: "tandem", AccessTTL: time.Minute, PublicKeyHex: "abcd"},
		{Issuer: "tandem", AccessTTL: time.Minute, SecretKeyHex: a.SecretKeyHex, PublicKeyHex: b.PublicKeyHex},
	}
	for i, cfg := range cases {
		if _, err := NewTokenManager(cfg); !errors.Is(err, ErrConfig) {
			t.Fatalf("case %d: err = %v, want ErrConfig", i, err)
		}
	}
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	now := time.Now()

	tok, exp, err := m.Issue(domain.Actor{ID: "u1", Email: " A@Example.com "}, "s1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("exp = %v", exp)
	}

	claims, err := m.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ActorID != "u1" || claims.Email != "a@example.com" || claims.SessionID != "s1" || claims.Issuer != "tandem" {
		t.Fatalf("claims = %+v", claims)
	}
	if a := claims.Actor(); a.ID != "u1" || a.Email != "a@example.com" {
		t.Fatalf("actor = %+v", a)
	}
}

func TestVerify_Rejects(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	other, _ := newTestManager(t)
	now := time.Now()

	tok, _, err := m.Issue(domain.Actor{ID: "u1", Email: "a@example.com"}, "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	foreign, _, err := other.Issue(domain.Actor{ID: "u1", Email: "a@example.com"}, "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []struct {
		name string
		tok  string
		at   time.Time
		want error
	}{
		{"empty", "", now, ErrMissingToken},
		{"garbage", "v4.public.nope", now, ErrInvalidToken},
		{"expired", tok, now.Add(time.Hour), ErrInvalidToken},
		{"wrong key", foreign, now, ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := m.Verify(tc.tok, tc.at); !errors.Is(err, tc.want) {
				t.Fatalf("Verify = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestVerifyOnlyManager(t *testing.T) {
	t.Parallel()

	signer, kp := newTestManager(t)
	cfg := DefaultConfig()
	cfg.PublicKeyHex = kp.PublicKeyHex
	verifier, err := NewTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	if verifier.CanIssue() {
		t.Fatalf("verify-only manager can issue")
	}
	if _, _, err := verifier.Issue(domain.Actor{ID: "u1"}, "", time.Now()); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("Issue = %v, want ErrNoSigningKey", err)
	}

	tok, _, err := signer.Issue(domain.Actor{ID: "u1", Email: "a@example.com"}, "", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Verify(tok, time.Now()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verifier.PublicKeyHex() != signer.PublicKeyHex() {
		t.Fatalf("public keys differ")
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"bearer", "/ws", "Bearer abc", "abc"},
		{"bearer lowercase", "/ws", "bearer  abc ", "abc"},
		{"other scheme", "/ws?access_token=q", "Basic abc", ""},
		{"query", "/ws?access_token=q", "", "q"},
		{"none", "/ws", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := TokenFromRequest(r); got != tc.want {
				t.Fatalf("TokenFromRequest = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	tok, _, err := m.Issue(domain.Actor{ID: "u1", Email: "a@example.com"}, "", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	r := httptest.NewRequest("GET", "/v1/events", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	actor, err := m.Authenticate(r)
	if err != nil || actor.ID != "u1" {
		t.Fatalf("Authenticate = %+v, %v", actor, err)
	}

	r = httptest.NewRequest("GET", "/v1/events", nil)
	if _, err := m.Authenticate(r); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Authenticate without token = %v", err)
	}
}
