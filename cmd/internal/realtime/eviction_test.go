package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"
	"tandem/cmd/internal/broadcast"
	"tandem/cmd/internal/events"
	"tandem/cmd/internal/store"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// gatedReader holds the first Get after it has read, so a test can change
// the event between the read and the rest of the join.
type gatedReader struct {
	EventReader

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedReader(r EventReader) *gatedReader {
	return &gatedReader{EventReader: r, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedReader) Get(ctx context.Context, actor domain.Actor, eventID string) (store.Event, access.Role, error) {
	ev, role, err := g.EventReader.Get(ctx, actor, eventID)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return ev, role, err
}

func (g *gatedReader) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("join never reached the event read")
	}
}

// assertQuiet round-trips a hello and fails if forbidden arrives first.
func assertQuiet(t *testing.T, conn *websocket.Conn, forbidden string) {
	t.Helper()
	send(t, conn, v1.TypeHello, v1.HelloPayload{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env v1.Envelope
		_ = json.Unmarshal(raw, &env)
		switch env.Type {
		case forbidden:
			t.Fatalf("received %s: %s", forbidden, env.Payload)
		case v1.TypeHelloAck:
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *wsFixture) update(t *testing.T, title string) {
	t.Helper()
	cur, _, err := f.events.Get(context.Background(), alice, f.event.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := f.events.Update(context.Background(), events.UpdateInput{
		Actor: alice, EventID: f.event.ID, ExpectedVersion: cur.Version, Patch: events.Patch{Title: &title},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestWSGateway_LeaveStopsDelivery(t *testing.T) {
	f := newWSFixture(t)
	a := f.dial(t, alice)
	b := f.dial(t, bob)
	f.join(t, a)
	f.join(t, b)

	if err := f.events.Leave(context.Background(), bob, f.event.ID); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if n := f.hub.Subscribers(broadcast.ParticipantsChannel(f.event.ID)); n != 1 {
		t.Fatalf("participants subscribers = %d, want alice only", n)
	}
	if f.tracker.Present(f.event.ID, bob.ID) {
		t.Fatalf("bob still in the roster")
	}
	left := decode[v1.PresenceLeftPayload](t, readUntilType(t, a, v1.TypePresenceLeft, 5))
	if left.ActorID != bob.ID {
		t.Fatalf("presence_left = %+v", left)
	}

	f.update(t, "after leave")
	assertQuiet(t, b, v1.TypeEventUpdated)
}

func TestWSGateway_RemovedParticipantStopsReceiving(t *testing.T) {
	f := newWSFixture(t)
	b := f.dial(t, bob)
	f.join(t, b)

	if err := f.events.RemoveParticipant(context.Background(), alice, f.event.ID, bob.ID); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	removed := decode[v1.ParticipantRemovedPayload](t, readUntilType(t, b, v1.TypeParticipantRemoved, 5))
	if removed.ActorID != bob.ID {
		t.Fatalf("participant_removed = %+v", removed)
	}

	f.update(t, "after removal")
	assertQuiet(t, b, v1.TypeEventUpdated)

	send(t, b, v1.TypePresenceEditing, v1.PresenceEditingPayload{EventID: f.event.ID, Editing: true})
	if p := decode[v1.ErrorPayload](t, readUntilType(t, b, v1.TypeError, 3)); p.Code != "not_joined" {
		t.Fatalf("error = %+v", p)
	}
}

func TestWSGateway_AbruptDisconnectClearsPresence(t *testing.T) {
	f := newWSFixture(t)
	a := f.dial(t, alice)
	b := f.dial(t, bob)
	f.join(t, a)
	f.join(t, b)

	send(t, b, v1.TypePresenceEditing, v1.PresenceEditingPayload{EventID: f.event.ID, Editing: true})
	readUntilType(t, a, v1.TypePresenceEditing, 5)
	if !f.tracker.Editing(f.event.ID, bob.ID) {
		t.Fatalf("editing flag not set")
	}

	// No close handshake: the TCP connection just goes away.
	_ = b.CloseNow()

	left := decode[v1.PresenceLeftPayload](t, readUntilType(t, a, v1.TypePresenceLeft, 10))
	if left.ActorID != bob.ID {
		t.Fatalf("presence_left = %+v", left)
	}
	if f.tracker.Editing(f.event.ID, bob.ID) || f.tracker.Present(f.event.ID, bob.ID) {
		t.Fatalf("bob still present or editing after disconnect")
	}
	waitFor(t, "bob's subscriptions to go", func() bool {
		return f.hub.Subscribers(broadcast.ParticipantsChannel(f.event.ID)) == 1
	})
}

func TestWSGateway_JoinLosesRaceWithAccessChange(t *testing.T) {
	cases := []struct {
		name   string
		revoke func(f *wsFixture) error
	}{
		{"participant removed", func(f *wsFixture) error {
			return f.events.RemoveParticipant(context.Background(), alice, f.event.ID, bob.ID)
		}},
		{"event deleted", func(f *wsFixture) error {
			return f.events.Delete(context.Background(), alice, f.event.ID)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gate *gatedReader
			f := newWSFixtureWith(t, func(r EventReader) EventReader {
				gate = newGatedReader(r)
				return gate
			}, nil)
			b := f.dial(t, bob)

			send(t, b, v1.TypeEventJoin, v1.EventJoinPayload{EventID: f.event.ID})
			gate.waitEntered(t)
			if err := tc.revoke(f); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			close(gate.release)

			p := decode[v1.ErrorPayload](t, readUntilType(t, b, v1.TypeError, 5))
			if p.Code != "join_failed" {
				t.Fatalf("error = %+v", p)
			}
			if f.tracker.Present(f.event.ID, bob.ID) {
				t.Fatalf("roster kept bob after losing access")
			}
			if n := f.hub.Subscribers(broadcast.PresenceChannel(f.event.ID)); n != 0 {
				t.Fatalf("presence subscribers = %d", n)
			}
		})
	}
}

func TestWSGateway_CloseDuringJoinReleases(t *testing.T) {
	var gate *gatedReader
	f := newWSFixtureWith(t, func(r EventReader) EventReader {
		gate = newGatedReader(r)
		return gate
	}, func(c *Config) {
		// Pongs are only read by the blocked read loop, so heartbeats fail
		// and close the session while the join waits.
		c.HeartbeatInterval = 20 * time.Millisecond
		c.HeartbeatTimeout = 20 * time.Millisecond
	})
	b := f.dial(t, bob)

	send(t, b, v1.TypeEventJoin, v1.EventJoinPayload{EventID: f.event.ID})
	gate.waitEntered(t)
	waitFor(t, "session close", func() bool {
		return f.hub.Subscribers(broadcast.UserChannel(bob.ID)) == 0
	})
	close(gate.release)

	// Give the join time to finish, then require that it left nothing behind.
	time.Sleep(200 * time.Millisecond)
	if f.tracker.Present(f.event.ID, bob.ID) {
		t.Fatalf("closed session left bob in the roster")
	}
	if n := f.hub.Subscribers(broadcast.ParticipantsChannel(f.event.ID)); n != 0 {
		t.Fatalf("closed session still subscribed: %d", n)
	}
}
