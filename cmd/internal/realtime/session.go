package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"
	"tandem/cmd/internal/broadcast"
	"tandem/cmd/internal/presence"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// session runs one upgraded connection: a writer draining client.Send, a
// heartbeat, and the read loop that dispatches client envelopes.
type session struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newSession(parent context.Context, g *WSGateway, conn *websocket.Conn, client *Client) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		g:      g,
		conn:   conn,
		client: client,
		log:    g.log.With("session_id", client.SessionID, "actor_id", client.Actor.ID),
		ctx:    ctx,
		cancel: cancel,
	}
	client.mu.Lock()
	client.onEvict = s.evicted
	client.mu.Unlock()
	return s
}

// close is idempotent. Presence and subscriptions are released before the
// client is closed, so broadcasters never deliver to a finished session.
// client.Send is never closed.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		leaveCtx := context.WithoutCancel(s.ctx)
		for _, eventID := range s.client.forgetAll() {
			s.g.deps.Presence.Leave(leaveCtx, eventID, s.client.Actor.ID, s.client.SessionID)
		}
		s.g.deps.Hub.UnsubscribeAll(s.client)

		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
		s.log.Info("ws.disconnect", "reason", reason)
	})
}

func (s *session) run() {
	defer s.cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop()
	}()

	s.readLoop()
	s.close(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *session) heartbeatLoop() {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
		}

		pingCtx, cancel := context.WithTimeout(s.ctx, s.g.cfg.HeartbeatTimeout)
		err := s.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		s.log.Info("ws.ping.fail", "failures", failures, "err", err)
		if failures >= wsMaxPingFailures {
			s.close(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (s *session) readLoop() {
	rl := newRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)

	for {
		readCtx, cancel := context.WithTimeout(s.ctx, s.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		cancel()

		switch {
		case errors.Is(err, errBadFrame):
			s.sendError("bad_json", "invalid JSON")
			continue
		case err != nil:
			code, reason := readFailure(err)
			if code != websocket.StatusNormalClosure {
				s.log.Info("ws.read.fail", "err", err)
			}
			s.close(code, reason)
			return
		}

		if ok, retry := rl.allow(time.Now().UTC()); !ok {
			s.log.Info("ws.rate_limited", "retry_after_ms", retry.Milliseconds())
			s.sendError("rate_limited", "too many events")
			s.close(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if !s.dispatch(env) {
			return
		}
	}
}

// dispatch routes one envelope. It reports false when the session must end.
func (s *session) dispatch(env v1.Envelope) bool {
	if err := env.Validate(); err != nil {
		s.sendError("bad_envelope", err.Error())
		return true
	}
	if !v1.ClientType(env.Type) {
		s.sendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		return true
	}

	var (
		code string
		err  error
	)
	switch env.Type {
	case v1.TypeHello:
		if err := s.hello(); err != nil {
			s.sendError("hello_failed", err.Error())
			s.close(websocket.StatusPolicyViolation, "hello failed")
			return false
		}
		return true
	case v1.TypeEventJoin:
		code, err = s.join(env)
	case v1.TypeEventLeave:
		code, err = s.leave(env)
	case v1.TypePresenceEditing:
		code, err = s.editing(env)
	}
	if err != nil {
		s.sendError(code, err.Error())
	}
	return true
}

func (s *session) hello() error {
	ack := newEnvelope(v1.TypeHelloAck, "", v1.HelloAckPayload{
		SessionID: s.client.SessionID,
		ActorID:   s.client.Actor.ID,
	}, time.Now().UTC())

	if !s.send(ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

// join subscribes the session to the event's channels, then verifies the
// actor's presence capability, enters the roster and replies with
// presence_here. Subscribing before the read means an eviction that commits
// after the read still finds the subscription.
func (s *session) join(env v1.Envelope) (string, error) {
	var p v1.EventJoinPayload
	eventID, err := eventPayload(env, &p, func() string { return p.EventID })
	if err != nil {
		return "bad_payload", err
	}

	switch s.client.claim(eventID, s.g.cfg.MaxEvents) {
	case claimFull:
		return "too_many_events", fmt.Errorf("at most %d joined events per session", s.g.cfg.MaxEvents)
	case claimClosed:
		return "join_failed", errors.New("session is closing")
	case claimAdded:
		s.g.deps.Hub.Subscribe(broadcast.ParticipantsChannel(eventID), s.client)
		s.g.deps.Hub.Subscribe(broadcast.PresenceChannel(eventID), s.client)
	}

	_, role, err := s.g.deps.Events.Get(s.ctx, s.client.Actor, eventID)
	if err == nil && !access.Can(role, access.ActionPresence) {
		err = domain.Forbidden("realtime.join", "presence not allowed")
	}
	if err != nil {
		s.dropEvent(eventID)
		return joinErrCode(err), s.publicError("ws.join.fail", eventID, err)
	}
	if !s.client.activate(eventID) {
		s.release(eventID)
		return "join_failed", errors.New("event is no longer available")
	}

	// A repeated join re-sends the roster without a second presence session.
	roster := s.g.deps.Presence.Join(s.ctx, eventID, s.client.Actor, s.client.SessionID)

	// An eviction or close that ran before Presence.Join could not undo it.
	if !s.client.Joined(eventID) || s.client.isClosed() {
		s.release(eventID)
		return "join_failed", errors.New("event is no longer available")
	}

	actors := make([]v1.ActorView, 0, len(roster))
	for _, e := range roster {
		actors = append(actors, e.View())
	}
	here := newEnvelope(v1.TypePresenceHere, broadcast.PresenceChannel(eventID), v1.PresenceHerePayload{
		EventID: eventID,
		Actors:  actors,
	}, time.Now().UTC())

	if !s.send(here) {
		s.dropEvent(eventID)
		return "join_failed", errors.New("backpressure: presence_here")
	}
	return "", nil
}

func (s *session) leave(env v1.Envelope) (string, error) {
	var p v1.EventLeavePayload
	eventID, err := eventPayload(env, &p, func() string { return p.EventID })
	if err != nil {
		return "bad_payload", err
	}
	if !s.dropEvent(eventID) {
		return "not_joined", errors.New("join first")
	}

	_ = s.send(newEnvelope(v1.TypeEventLeave, "", v1.EventLeavePayload{EventID: eventID}, time.Now().UTC()))
	return "", nil
}

func (s *session) editing(env v1.Envelope) (string, error) {
	var p v1.PresenceEditingPayload
	eventID, err := eventPayload(env, &p, func() string { return p.EventID })
	if err != nil {
		return "bad_payload", err
	}
	if !s.client.Joined(eventID) {
		return "not_joined", errors.New("join first")
	}
	if err := s.g.deps.Presence.SetEditing(s.ctx, eventID, s.client.Actor.ID, p.Editing); err != nil {
		if errors.Is(err, presence.ErrNotJoined) {
			return "not_joined", errors.New("join first")
		}
		return "editing_failed", s.publicError("ws.editing.fail", eventID, err)
	}
	return "", nil
}

// dropEvent leaves eventID's roster and channels. It reports whether the
// session was joined.
func (s *session) dropEvent(eventID string) bool {
	if !s.client.forget(eventID) {
		return false
	}
	s.release(eventID)
	return true
}

// evicted runs after the hub removed the session from eventID because the
// actor lost access to it.
func (s *session) evicted(eventID string) {
	s.g.deps.Presence.Leave(context.WithoutCancel(s.ctx), eventID, s.client.Actor.ID, s.client.SessionID)
	s.log.Info("ws.evicted", "event_id", eventID)
}

func (s *session) release(eventID string) {
	s.g.deps.Hub.Unsubscribe(broadcast.ParticipantsChannel(eventID), s.client)
	s.g.deps.Hub.Unsubscribe(broadcast.PresenceChannel(eventID), s.client)
	s.g.deps.Presence.Leave(context.WithoutCancel(s.ctx), eventID, s.client.Actor.ID, s.client.SessionID)
}

// publicError logs unexpected failures in full and hides them from the client.
func (s *session) publicError(msg, eventID string, err error) error {
	switch {
	case domain.IsNotFound(err):
		return errors.New("event not found")
	case domain.IsForbidden(err):
		return errors.New("not a participant")
	case domain.IsInvalidInput(err):
		return err
	}
	s.log.Error(msg, "event_id", eventID, "err", err)
	return errors.New("internal error")
}

func (s *session) sendError(code, msg string) {
	_ = s.send(newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC()))
}

// send enqueues without blocking; a full queue reports false.
func (s *session) send(env v1.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		return false
	}
}

func joinErrCode(err error) string {
	switch {
	case domain.IsNotFound(err):
		return "not_found"
	case domain.IsForbidden(err):
		return "forbidden"
	default:
		return "join_failed"
	}
}

// eventPayload decodes env's payload into dst and validates the event id
// that id extracts from it.
func eventPayload(env v1.Envelope, dst any, id func() string) (string, error) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	eventID := strings.TrimSpace(id())
	if eventID == "" {
		return "", errors.New("missing event_id")
	}
	if len(eventID) > maxEventIDLen {
		return "", errors.New("event_id too long")
	}
	return eventID, nil
}
