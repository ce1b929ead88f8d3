package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeSub struct {
	actor string

	mu   sync.Mutex
	got  []Message
	full bool
}

var _ Subscriber = (*fakeSub)(nil)

func (f *fakeSub) ActorID() string { return f.actor }

func (f *fakeSub) Deliver(m Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.got = append(f.got, m)
	return true
}

func (f *fakeSub) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.got...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChannelKeys(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key       string
		wantOK    bool
		wantScope string
		wantID    string
		wantKind  string
	}{
		{ParticipantsChannel("e1"), true, "event", "e1", KindParticipants},
		{PresenceChannel("e1"), true, "event", "e1", KindPresence},
		{UserChannel("u1"), true, "user", "u1", KindUserEvents},
		{"event:e1:chat", false, "", "", ""},
		{"user:u1:presence", false, "", "", ""},
		{"event::presence", false, "", "", ""},
		{"nonsense", false, "", "", ""},
	}
	for _, tc := range cases {
		scope, id, kind, ok := ParseChannel(tc.key)
		if ok != tc.wantOK || scope != tc.wantScope || id != tc.wantID || kind != tc.wantKind {
			t.Fatalf("ParseChannel(%q)=(%q,%q,%q,%v)", tc.key, scope, id, kind, ok)
		}
	}
}

func TestHub_ExcludesOrigin(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger(), nil)
	alice := &fakeSub{actor: "alice"}
	aliceTab2 := &fakeSub{actor: "alice"}
	bob := &fakeSub{actor: "bob"}

	ch := ParticipantsChannel("e1")
	h.Subscribe(ch, alice)
	h.Subscribe(ch, aliceTab2)
	h.Subscribe(ch, bob)
	h.Subscribe(ch, bob)

	if n := h.Subscribers(ch); n != 3 {
		t.Fatalf("subscribers=%d want 3", n)
	}

	msg, err := NewMessage(ch, "role_changed", "alice", map[string]string{"role": "viewer"}, time.Now())
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if n := h.Dispatch(msg); n != 1 {
		t.Fatalf("delivered=%d want 1", n)
	}
	if len(alice.messages()) != 0 || len(aliceTab2.messages()) != 0 {
		t.Fatalf("origin actor must not receive its own echo")
	}
	got := bob.messages()
	if len(got) != 1 || got[0].Type != "role_changed" {
		t.Fatalf("bob got %+v", got)
	}
}

func TestHub_UnsubscribeAndDrop(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger(), nil)
	a := &fakeSub{actor: "a"}
	b := &fakeSub{actor: "b", full: true}

	h.Subscribe(PresenceChannel("e1"), a)
	h.Subscribe(PresenceChannel("e2"), a)
	h.Subscribe(PresenceChannel("e1"), b)

	msg := Message{Type: "presence_joined", Channel: PresenceChannel("e1")}
	if n := h.Dispatch(msg); n != 1 {
		t.Fatalf("delivered=%d want 1 (b is full)", n)
	}

	h.UnsubscribeAll(a)
	if n := h.Subscribers(PresenceChannel("e2")); n != 0 {
		t.Fatalf("e2 subscribers=%d want 0", n)
	}
	h.Unsubscribe(PresenceChannel("e1"), b)
	if n := h.Dispatch(msg); n != 0 {
		t.Fatalf("delivered after unsubscribe=%d", n)
	}
}

func TestRedis_PublishRelaysToLocalHub(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(discardLogger(), nil)
	bob := &fakeSub{actor: "bob"}
	alice := &fakeSub{actor: "alice"}
	ch := ParticipantsChannel("e1")
	hub.Subscribe(ch, bob)
	hub.Subscribe(ch, alice)

	relay := NewRedisRelay(client, "test:", hub, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	select {
	case <-relay.Ready():
	case err := <-done:
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("relay not ready")
	}

	pub := NewRedisPublisher(client, "test:")
	msg, _ := NewMessage(ch, "participant_joined", "alice", map[string]string{"actor_id": "alice"}, time.Now())
	if err := pub.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(bob.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relayed message not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := bob.messages()[0]
	if got.Type != "participant_joined" || got.Channel != ch || got.Origin != "alice" {
		t.Fatalf("relayed message: %+v", got)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload["actor_id"] != "alice" {
		t.Fatalf("payload=%s err=%v", got.Payload, err)
	}
	if len(alice.messages()) != 0 {
		t.Fatalf("origin received its own echo through redis")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("relay stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not stop")
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisClient(context.Background(), "://bad"); err == nil {
		t.Fatalf("expected parse error")
	}
}
