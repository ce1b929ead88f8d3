package auth

import (
	"net/http"
	"strings"
	"time"

	"tandem/cmd/domain"
)

// QueryParam carries the access token for clients that cannot set headers
// on a WebSocket handshake.
const QueryParam = "access_token"

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(QueryParam))
}

// Authenticator resolves the actor behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Actor, error)
}

// Authenticate verifies the request's token and returns the actor. Any
// failure is reported as domain.ErrUnauthorized.
func (m *TokenManager) Authenticate(r *http.Request) (domain.Actor, error) {
	claims, err := m.Verify(TokenFromRequest(r), time.Now())
	if err != nil {
		return domain.Actor{}, domain.OpError{Op: "auth.Authenticate", Kind: domain.ErrUnauthorized, Msg: err.Error()}
	}
	return claims.Actor(), nil
}
