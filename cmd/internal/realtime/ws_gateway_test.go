package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"
	"tandem/cmd/internal/auth"
	"tandem/cmd/internal/broadcast"
	"tandem/cmd/internal/events"
	"tandem/cmd/internal/notify"
	"tandem/cmd/internal/presence"
	"tandem/cmd/internal/store"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

var (
	alice = domain.Actor{ID: "alice", Email: "alice@example.com"}
	bob   = domain.Actor{ID: "bob", Email: "bob@example.com"}
	carol = domain.Actor{ID: "carol", Email: "carol@example.com"}
)

type wsFixture struct {
	srv     *httptest.Server
	tokens  *auth.TokenManager
	events  *events.Service
	store   *store.MemoryStore
	hub     *broadcast.Hub
	tracker *presence.Tracker
	event   store.Event
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	return newWSFixtureWith(t, nil, nil)
}

// newWSFixtureWith lets a test wrap the gateway's event reader and tune its
// config. Either may be nil.
func newWSFixtureWith(t *testing.T, wrap func(EventReader) EventReader, tune func(*Config)) *wsFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kp := auth.GenerateKeypair()
	cfg := auth.DefaultConfig()
	cfg.SecretKeyHex = kp.SecretKeyHex
	tokens, err := auth.NewTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	st := store.NewMemoryStore()
	hub := broadcast.NewHub(log, nil)
	n := notify.New(hub, log)
	tracker := presence.NewTracker(log, n, presence.WithEditingIdle(time.Minute))
	svc, err := events.NewService(st,
		events.WithNotifier(n),
		events.WithSessions(broadcast.NewEvictor(hub, hub, log)),
		events.WithPresence(tracker),
		events.WithLogger(log),
	)
	if err != nil {
		t.Fatalf("events.NewService: %v", err)
	}

	wsCfg := DefaultConfig()
	wsCfg.OriginRequired = false
	if tune != nil {
		tune(&wsCfg)
	}
	var reader EventReader = svc
	if wrap != nil {
		reader = wrap(svc)
	}
	gw, err := NewWSGateway(log, wsCfg, Deps{Auth: tokens, Events: reader, Presence: tracker, Hub: hub})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	ev, err := svc.Create(ctx, events.CreateInput{Actor: alice, Title: "Offsite", StartAt: now.Add(time.Hour), EndAt: now.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.InsertMembership(ctx, store.Membership{
		EventID: ev.ID, ActorID: bob.ID, Email: bob.Email, Role: access.RoleEditor, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("InsertMembership: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsFixture{srv: srv, tokens: tokens, events: svc, store: st, hub: hub, tracker: tracker, event: ev}
}

func (f *wsFixture) dial(t *testing.T, actor domain.Actor) *websocket.Conn {
	t.Helper()
	tok, _, err := f.tokens.Issue(actor, "", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn, resp, err := dialWS(t, f.srv.URL, tok)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func dialWS(t *testing.T, baseURL, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"

	h := http.Header{}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return out
}

func (f *wsFixture) join(t *testing.T, conn *websocket.Conn) v1.PresenceHerePayload {
	t.Helper()
	send(t, conn, v1.TypeEventJoin, v1.EventJoinPayload{EventID: f.event.ID})
	return decode[v1.PresenceHerePayload](t, readUntilType(t, conn, v1.TypePresenceHere, 5))
}

func TestWSGateway_RejectsUnauthenticatedHandshake(t *testing.T) {
	f := newWSFixture(t)

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"invalid", "v4.public.not-a-token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := dialWS(t, f.srv.URL, tc.token)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
			}
		})
	}
}

func TestWSGateway_HelloAck(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, alice)

	send(t, conn, v1.TypeHello, v1.HelloPayload{})
	ack := decode[v1.HelloAckPayload](t, readUntilType(t, conn, v1.TypeHelloAck, 3))
	if ack.ActorID != alice.ID || len(ack.SessionID) != 26 {
		t.Fatalf("hello_ack = %+v", ack)
	}
}

func TestWSGateway_PresenceAndEditing(t *testing.T) {
	f := newWSFixture(t)
	a := f.dial(t, alice)
	b := f.dial(t, bob)

	here := f.join(t, a)
	if len(here.Actors) != 1 || here.Actors[0].ActorID != alice.ID {
		t.Fatalf("alice presence_here = %+v", here)
	}

	here = f.join(t, b)
	if len(here.Actors) != 2 {
		t.Fatalf("bob presence_here = %+v", here)
	}
	joined := decode[v1.PresenceJoinedPayload](t, readUntilType(t, a, v1.TypePresenceJoined, 5))
	if joined.Actor.ActorID != bob.ID || joined.EventID != f.event.ID {
		t.Fatalf("presence_joined = %+v", joined)
	}

	send(t, b, v1.TypePresenceEditing, v1.PresenceEditingPayload{EventID: f.event.ID, Editing: true})
	editing := decode[v1.PresenceEditingPayload](t, readUntilType(t, a, v1.TypePresenceEditing, 5))
	if editing.ActorID != bob.ID || !editing.Editing {
		t.Fatalf("presence_editing = %+v", editing)
	}

	_ = b.Close(websocket.StatusNormalClosure, "bye")
	left := decode[v1.PresenceLeftPayload](t, readUntilType(t, a, v1.TypePresenceLeft, 5))
	if left.ActorID != bob.ID {
		t.Fatalf("presence_left = %+v", left)
	}
}

func TestWSGateway_JoinRequiresMembership(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, carol)

	send(t, conn, v1.TypeEventJoin, v1.EventJoinPayload{EventID: f.event.ID})
	p := decode[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 3))
	if p.Code != "forbidden" {
		t.Fatalf("error = %+v", p)
	}

	send(t, conn, v1.TypeEventJoin, v1.EventJoinPayload{EventID: "missing"})
	p = decode[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 3))
	if p.Code != "not_found" {
		t.Fatalf("error = %+v", p)
	}
}

func TestWSGateway_RejectsClientServerTypes(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, alice)

	send(t, conn, v1.TypeEventUpdated, v1.EventUpdatedPayload{})
	p := decode[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 3))
	if p.Code != "unsupported" {
		t.Fatalf("error = %+v", p)
	}

	send(t, conn, v1.TypePresenceEditing, v1.PresenceEditingPayload{EventID: f.event.ID, Editing: true})
	p = decode[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 3))
	if p.Code != "not_joined" {
		t.Fatalf("error = %+v", p)
	}
}

func TestWSGateway_EventUpdatedSkipsOrigin(t *testing.T) {
	f := newWSFixture(t)
	a := f.dial(t, alice)
	b := f.dial(t, bob)
	f.join(t, a)
	f.join(t, b)

	title := "Offsite (moved)"
	if _, err := f.events.Update(context.Background(), events.UpdateInput{
		Actor: alice, EventID: f.event.ID, ExpectedVersion: f.event.Version, Patch: events.Patch{Title: &title},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got := decode[v1.EventUpdatedPayload](t, readUntilType(t, b, v1.TypeEventUpdated, 5))
	if got.Event.Title != title || got.Event.Version != f.event.Version+1 {
		t.Fatalf("event_updated = %+v", got.Event)
	}

	// The writer receives no echo; the next envelope it sees is its own hello_ack.
	send(t, a, v1.TypeHello, v1.HelloPayload{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, raw, err := a.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env v1.Envelope
		_ = json.Unmarshal(raw, &env)
		if env.Type == v1.TypeEventUpdated {
			t.Fatalf("origin received its own event_updated")
		}
		if env.Type == v1.TypeHelloAck {
			return
		}
	}
}

func TestWSGateway_EventDeletedDropsSubscriptions(t *testing.T) {
	f := newWSFixture(t)
	b := f.dial(t, bob)
	f.join(t, b)

	if err := f.events.Delete(context.Background(), alice, f.event.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	deleted := decode[v1.EventDeletedPayload](t, readUntilType(t, b, v1.TypeEventDeleted, 5))
	if deleted.EventID != f.event.ID {
		t.Fatalf("event_deleted = %+v", deleted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers(broadcast.ParticipantsChannel(f.event.ID)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("participants channel still subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	send(t, b, v1.TypeEventLeave, v1.EventLeavePayload{EventID: f.event.ID})
	p := decode[v1.ErrorPayload](t, readUntilType(t, b, v1.TypeError, 3))
	if p.Code != "not_joined" {
		t.Fatalf("error = %+v", p)
	}
}

func TestWSGateway_LeaveEchoes(t *testing.T) {
	f := newWSFixture(t)
	a := f.dial(t, alice)
	f.join(t, a)

	send(t, a, v1.TypeEventLeave, v1.EventLeavePayload{EventID: f.event.ID})
	echo := decode[v1.EventLeavePayload](t, readUntilType(t, a, v1.TypeEventLeave, 3))
	if echo.EventID != f.event.ID {
		t.Fatalf("event_leave = %+v", echo)
	}
	if n := f.hub.Subscribers(broadcast.PresenceChannel(f.event.ID)); n != 0 {
		t.Fatalf("presence subscribers = %d", n)
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	p := newOriginPolicy(true, []string{"http://localhost", "https://app.tandem.example", " "})

	cases := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"missing", "", false},
		{"exact", "https://app.tandem.example", true},
		{"host with port", "http://localhost:5173", true},
		{"host case", "http://LOCALHOST:5173", true},
		{"other host", "https://evil.example", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := p.check(tc.origin)
			if tc.ok != (err == nil) {
				t.Fatalf("check(%q) = %v", tc.origin, err)
			}
		})
	}

	open := newOriginPolicy(false, []string{"*"})
	if err := open.check(""); err != nil {
		t.Fatalf("optional origin rejected: %v", err)
	}
	if err := open.check("https://anything.example"); err != nil {
		t.Fatalf("wildcard rejected: %v", err)
	}
	if err := newOriginPolicy(false, nil).check("https://a.example"); err == nil {
		t.Fatalf("empty allowlist accepted an origin")
	}
}

func TestOriginPolicyPatterns(t *testing.T) {
	t.Parallel()

	got := newOriginPolicy(true, []string{"http://localhost:3000", "https://B.example", "*", "http://localhost"}).patterns
	want := []string{"b.example", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
}
