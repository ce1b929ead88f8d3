// Package realtime serves the collaborative WebSocket surface: per-event
// presence rosters with the editing flag, and live participant and event
// notifications fanned out through the broadcast hub.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"
	"tandem/cmd/internal/auth"
	"tandem/cmd/internal/broadcast"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/presence"
	"tandem/cmd/internal/store"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// EventReader authorizes an actor's read of an event.
type EventReader interface {
	Get(ctx context.Context, actor domain.Actor, eventID string) (store.Event, access.Role, error)
}

// Deps are the collaborators the gateway routes to.
type Deps struct {
	Auth     auth.Authenticator
	Events   EventReader
	Presence *presence.Tracker
	Hub      *broadcast.Hub
	Metrics  *metrics.Metrics
}

// WSGateway is the WebSocket entrypoint.
//
// It authenticates at the handshake, enforces origin policy, subprotocol
// selection, rate limits and heartbeats, and routes validated envelopes to
// the presence tracker and the broadcast hub.
type WSGateway struct {
	log  *slog.Logger
	cfg  Config
	deps Deps

	origins originPolicy
}

// NewWSGateway constructs a gateway. Auth, Events, Presence and Hub are required.
func NewWSGateway(log *slog.Logger, cfg Config, deps Deps) (*WSGateway, error) {
	if deps.Auth == nil || deps.Events == nil || deps.Presence == nil || deps.Hub == nil {
		return nil, domain.Invalid("realtime.NewWSGateway", "auth, events, presence and hub are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	return &WSGateway{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP mounts the gateway as an http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates before upgrading, so rejected handshakes get a
// plain HTTP status, then runs the session until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	actor, err := g.deps.Auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := newSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(actor, sessionID, g.cfg.SendQueue)

	g.deps.Metrics.WSConnections(1)
	defer g.deps.Metrics.WSConnections(-1)
	g.log.Info("ws.connect", "session_id", sessionID, "actor_id", actor.ID)

	// Notices targeting this actor arrive even before any event is joined.
	g.deps.Hub.Subscribe(broadcast.UserChannel(actor.ID), client)

	newSession(r.Context(), g, conn, client).run()
}
