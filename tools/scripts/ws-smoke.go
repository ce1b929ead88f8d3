// Command ws-smoke drives two live actors through the tandem realtime gateway
// and exits non-zero on the first deviation.
//
// Two actors that are both members of -event connect, join the event and
// check the collaboration loop:
//   - handshake, subprotocol selection and hello_ack
//   - presence_here on join, presence_joined for the second actor
//   - presence_editing from A reaches B
//   - a REST update by A reaches B as event_updated and is not echoed to A
//   - presence_left when B leaves
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// peer is one smoke actor. A single reader goroutine feeds frames so that a
// timed-out wait never cancels a Read, which would close the connection.
type peer struct {
	name      string
	token     string
	conn      *websocket.Conn
	step      time.Duration
	sessionID string
	actorID   string

	frames chan frame
}

type frame struct {
	env v1.Envelope
	err error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the handshake (empty to omit)")
		eventID = flag.String("event", "", "Event both actors are members of")
		tokenA  = flag.String("token-a", os.Getenv("TANDEM_SMOKE_TOKEN_A"), "Access token of an owner or editor")
		tokenB  = flag.String("token-b", os.Getenv("TANDEM_SMOKE_TOKEN_B"), "Access token of a second member")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := checkURL(*wsURL, true, "ws", "wss"); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *origin != "" {
		if err := checkURL(*origin, false, "http", "https"); err != nil {
			fatalf("invalid -origin: %v", err)
		}
	}
	if strings.TrimSpace(*eventID) == "" || *tokenA == "" || *tokenB == "" {
		fatalf("-event, -token-a and -token-b are required (mint tokens with `tandem token issue`)")
	}

	ctx := context.Background()
	a := dial(ctx, "A", *tokenA, *wsURL, *origin, *timeout)
	defer a.close()
	b := dial(ctx, "B", *tokenB, *wsURL, *origin, *timeout)
	defer b.close()

	if *verbose {
		fmt.Printf("connected: A=%s/%s B=%s/%s origin=%q\n", a.actorID, a.sessionID, b.actorID, b.sessionID, *origin)
	}

	a.join(ctx, *eventID)
	b.join(ctx, *eventID)

	// A may first see its own presence_joined.
	for {
		var jp v1.PresenceJoinedPayload
		a.expect(ctx, v1.TypePresenceJoined, &jp)
		if jp.EventID != *eventID {
			fatalf("presence_joined event mismatch (A): %+v", jp)
		}
		if jp.Actor.ActorID == b.actorID {
			break
		}
	}

	a.send(ctx, v1.TypePresenceEditing, v1.PresenceEditingPayload{EventID: *eventID, Editing: true})
	var ep v1.PresenceEditingPayload
	b.expect(ctx, v1.TypePresenceEditing, &ep, v1.TypePresenceJoined)
	if ep.ActorID != a.actorID || !ep.Editing {
		fatalf("presence_editing mismatch (B): %+v", ep)
	}

	version := updateTitle(ctx, *apiURL, a.token, *eventID, *timeout)

	var up v1.EventUpdatedPayload
	b.expect(ctx, v1.TypeEventUpdated, &up, v1.TypePresenceJoined, v1.TypePresenceEditing)
	if up.Event.ID != *eventID || up.Event.Version != version {
		fatalf("event_updated mismatch (B): id=%q version=%d want %d", up.Event.ID, up.Event.Version, version)
	}
	a.quiet(ctx, 1200*time.Millisecond, v1.TypeEventUpdated)

	b.send(ctx, v1.TypeEventLeave, v1.EventLeavePayload{EventID: *eventID})
	b.expect(ctx, v1.TypeEventLeave, nil, v1.TypePresenceJoined, v1.TypePresenceEditing)

	var lp v1.PresenceLeftPayload
	a.expect(ctx, v1.TypePresenceLeft, &lp, v1.TypePresenceJoined, v1.TypePresenceEditing)
	if lp.ActorID != b.actorID {
		fatalf("presence_left mismatch (A): %+v", lp)
	}

	fmt.Printf("OK: A=%s B=%s event_id=%s version=%d\n", a.sessionID, b.sessionID, *eventID, version)
}

// checkURL requires one of schemes and a host, plus a path when needPath.
func checkURL(raw string, needPath bool, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q not in %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if needPath && u.Path == "" {
		return errors.New("missing path")
	}
	return nil
}

func dial(parent context.Context, name, token, wsURL, origin string, step time.Duration) *peer {
	ctx, cancel := context.WithTimeout(parent, step)
	defer cancel()

	hdr := http.Header{"Authorization": {"Bearer " + token}}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	conn.SetReadLimit(maxReadBytes)

	p := &peer{name: name, token: token, conn: conn, step: step, frames: make(chan frame, 256)}
	go p.pump()

	p.send(parent, v1.TypeHello, v1.HelloPayload{})
	var ack v1.HelloAckPayload
	p.expect(parent, v1.TypeHelloAck, &ack)
	if ack.SessionID == "" || ack.ActorID == "" {
		fatalf("hello_ack missing session_id or actor_id (%s)", name)
	}
	p.sessionID, p.actorID = ack.SessionID, ack.ActorID
	return p
}

func (p *peer) pump() {
	defer close(p.frames)
	for {
		_, data, err := p.conn.Read(context.Background())
		if err != nil {
			p.frames <- frame{err: err}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			err = env.Validate()
		}
		if err != nil {
			p.frames <- frame{err: fmt.Errorf("bad envelope: %w", err)}
			return
		}
		p.frames <- frame{env: env}
	}
}

// next returns the next envelope, or ok=false once ctx is done.
func (p *peer) next(ctx context.Context) (v1.Envelope, bool) {
	select {
	case <-ctx.Done():
		return v1.Envelope{}, false
	case f, open := <-p.frames:
		switch {
		case !open:
			fatalf("connection closed (%s)", p.name)
		case f.err != nil:
			fatalf("connection error (%s): %v", p.name, f.err)
		case f.env.Type == v1.TypeError:
			var e v1.ErrorPayload
			_ = json.Unmarshal(f.env.Payload, &e)
			fatalf("server error (%s): code=%q msg=%q", p.name, e.Code, e.Message)
		}
		return f.env, true
	}
}

// expect waits for want, decoding its payload into dst when non-nil.
// Envelopes of the skip types are discarded; anything else fails the run.
func (p *peer) expect(parent context.Context, want string, dst any, skip ...string) {
	ctx, cancel := context.WithTimeout(parent, p.step)
	defer cancel()

	for {
		env, ok := p.next(ctx)
		if !ok {
			fatalf("timeout waiting for %q (%s)", want, p.name)
		}
		if env.Type == want {
			if dst != nil {
				if err := json.Unmarshal(env.Payload, dst); err != nil {
					fatalf("decode %s (%s): %v", want, p.name, err)
				}
			}
			return
		}
		if !slices.Contains(skip, env.Type) {
			fatalf("unexpected %q while waiting for %q (%s)", env.Type, want, p.name)
		}
	}
}

// quiet fails if forbidden arrives within wait.
func (p *peer) quiet(parent context.Context, wait time.Duration, forbidden string) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	for {
		env, ok := p.next(ctx)
		if !ok {
			return
		}
		if env.Type == forbidden {
			fatalf("unexpected %s received (%s)", forbidden, p.name)
		}
	}
}

func (p *peer) send(parent context.Context, typ string, payload any) {
	ctx, cancel := context.WithTimeout(parent, p.step)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      p.name + "-" + typ,
		TS:      time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := p.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, p.name, err)
	}
}

func (p *peer) join(ctx context.Context, eventID string) {
	p.send(ctx, v1.TypeEventJoin, v1.EventJoinPayload{EventID: eventID})

	var here v1.PresenceHerePayload
	p.expect(ctx, v1.TypePresenceHere, &here, v1.TypePresenceJoined)
	if here.EventID != eventID {
		fatalf("presence_here event_id mismatch (%s): got=%q want=%q", p.name, here.EventID, eventID)
	}
	for _, a := range here.Actors {
		if a.ActorID == p.actorID {
			return
		}
	}
	fatalf("presence_here does not list self (%s)", p.name)
}

func (p *peer) close() {
	_ = p.conn.Close(websocket.StatusNormalClosure, "bye")
}

// updateTitle reads the event over REST and applies a conditional title
// update at the version it saw, returning the new version.
func updateTitle(parent context.Context, apiURL, token, eventID string, step time.Duration) int64 {
	ctx, cancel := context.WithTimeout(parent, step)
	defer cancel()

	endpoint := strings.TrimRight(apiURL, "/") + "/v1/events/" + url.PathEscape(eventID)

	var current, updated struct {
		Event v1.EventView `json:"event"`
	}
	callAPI(ctx, http.MethodGet, endpoint, token, nil, &current)
	callAPI(ctx, http.MethodPatch, endpoint, token, map[string]any{
		"last_known_version": current.Event.Version,
		"title":              "smoke " + time.Now().UTC().Format(time.RFC3339),
	}, &updated)

	if updated.Event.Version != current.Event.Version+1 {
		fatalf("update version: got=%d want=%d", updated.Event.Version, current.Event.Version+1)
	}
	return updated.Event.Version
}

func callAPI(ctx context.Context, method, endpoint, token string, in, out any) {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		fatalf("%s %s: %v", method, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, endpoint, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK {
		fatalf("%s %s: status=%d body=%s", method, endpoint, resp.StatusCode, b)
	}
	if err := json.Unmarshal(b, out); err != nil {
		fatalf("%s %s: decode: %v", method, endpoint, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
