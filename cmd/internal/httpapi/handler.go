// Package httpapi is the REST surface over the event, participant and
// invitation services.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"tandem/cmd/domain"
	"tandem/cmd/internal/auth"
	"tandem/cmd/internal/events"
	"tandem/cmd/internal/invite"
)

// Config bounds request handling.
type Config struct {
	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"65536"`
}

// DefaultConfig returns the default request limits.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 64 << 10}
}

// Handler wires HTTP endpoints to the services.
type Handler struct {
	log *slog.Logger
	cfg Config

	auth    auth.Authenticator
	events  *events.Service
	invites *invite.Service
}

// NewHandler constructs a Handler. All services are required.
func NewHandler(log *slog.Logger, cfg Config, authn auth.Authenticator, ev *events.Service, inv *invite.Service) (*Handler, error) {
	if authn == nil || ev == nil || inv == nil {
		return nil, errors.New("httpapi: auth, events and invite services are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, auth: authn, events: ev, invites: inv}, nil
}

// Register wires the REST routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/events", h.handleCreateEvent)
	mux.HandleFunc("GET /v1/events", h.handleListEvents)
	mux.HandleFunc("GET /v1/events/{id}", h.handleGetEvent)
	mux.HandleFunc("PATCH /v1/events/{id}", h.handlePatchEvent)
	mux.HandleFunc("DELETE /v1/events/{id}", h.handleDeleteEvent)
	mux.HandleFunc("GET /v1/events/{id}/ics", h.handleExportICS)

	mux.HandleFunc("GET /v1/events/{id}/participants", h.handleListParticipants)
	mux.HandleFunc("PUT /v1/events/{id}/participants/{actorID}/role", h.handleChangeRole)
	mux.HandleFunc("DELETE /v1/events/{id}/participants/{actorID}", h.handleRemoveParticipant)
	mux.HandleFunc("POST /v1/events/{id}/leave", h.handleLeave)

	mux.HandleFunc("POST /v1/events/{id}/invitations", h.handleIssueInvitation)
	mux.HandleFunc("GET /v1/events/{id}/invitations", h.handleListInvitations)
	mux.HandleFunc("DELETE /v1/events/{id}/invitations/{invitationID}", h.handleRevokeInvitation)

	mux.HandleFunc("GET /v1/invitations/{token}", h.handleResolveInvitation)
	mux.HandleFunc("POST /v1/invitations/{token}/accept", h.handleAcceptInvitation)
	mux.HandleFunc("POST /v1/invitations/{token}/decline", h.handleDeclineInvitation)
}

// requireAuth resolves the actor or writes 401.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
		return domain.Actor{}, false
	}
	return actor, true
}

func pathValue(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}
