package realtime

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"tandem/cmd/internal/broadcast"
	v1 "tandem/shared/contracts/realtime/v1"
)

func updatedMsg(t *testing.T, eventID string) broadcast.Message {
	t.Helper()
	msg, err := broadcast.NewMessage(broadcast.ParticipantsChannel(eventID), v1.TypeEventUpdated, alice.ID, nil, time.Now())
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.EventID = eventID
	return msg
}

func TestClient_EvictionIgnoresFullQueue(t *testing.T) {
	t.Parallel()

	hub := broadcast.NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	c := NewClient(bob, "s1", 1)
	var evicted []string
	c.onEvict = func(id string) { evicted = append(evicted, id) }

	// More events than any fixed-size signal buffer would hold.
	ids := make([]string, 0, 2*maxJoinedEvents)
	for i := 0; i < cap(ids); i++ {
		id := fmt.Sprintf("ev-%d", i)
		ids = append(ids, id)
		if got := c.claim(id, 0); got != claimAdded {
			t.Fatalf("claim(%s) = %v", id, got)
		}
		if !c.activate(id) {
			t.Fatalf("activate(%s) failed", id)
		}
		hub.Subscribe(broadcast.ParticipantsChannel(id), c)
		hub.Subscribe(broadcast.PresenceChannel(id), c)
	}
	c.Send <- v1.Envelope{}

	for _, id := range ids {
		hub.Evict(id, bob.ID)
	}

	if len(evicted) != len(ids) {
		t.Fatalf("onEvict ran %d times, want %d", len(evicted), len(ids))
	}
	for _, id := range ids {
		if c.Joined(id) {
			t.Fatalf("%s still joined", id)
		}
		if n := hub.Subscribers(broadcast.ParticipantsChannel(id)); n != 0 {
			t.Fatalf("%s participants subscribers = %d", id, n)
		}
	}

	<-c.Send
	if n := hub.Dispatch(updatedMsg(t, ids[0])); n != 0 {
		t.Fatalf("event_updated delivered %d times after eviction", n)
	}
	if len(c.Send) != 0 {
		t.Fatalf("queue received %d envelopes after eviction", len(c.Send))
	}
}

func TestClient_PendingJoinReceivesNothing(t *testing.T) {
	t.Parallel()

	c := NewClient(bob, "s1", 4)
	if got := c.claim("ev-1", 0); got != claimAdded {
		t.Fatalf("claim = %v", got)
	}
	if !c.Deliver(updatedMsg(t, "ev-1")) {
		t.Fatalf("pending delivery reported as a drop")
	}
	if len(c.Send) != 0 {
		t.Fatalf("pending join received an envelope")
	}

	c.activate("ev-1")
	c.Deliver(updatedMsg(t, "ev-1"))
	if len(c.Send) != 1 {
		t.Fatalf("active join queue = %d", len(c.Send))
	}
}

func TestClient_ClaimStates(t *testing.T) {
	t.Parallel()

	c := NewClient(bob, "s1", 4)
	cases := []struct {
		id    string
		limit int
		want  claimResult
	}{
		{"a", 2, claimAdded},
		{"a", 2, claimHeld},
		{"b", 2, claimAdded},
		{"c", 2, claimFull},
	}
	for _, tc := range cases {
		if got := c.claim(tc.id, tc.limit); got != tc.want {
			t.Fatalf("claim(%s) = %v want %v", tc.id, got, tc.want)
		}
	}

	if got := c.forgetAll(); len(got) != 2 {
		t.Fatalf("forgetAll = %v", got)
	}
	if got := c.claim("d", 0); got != claimClosed {
		t.Fatalf("claim after close = %v", got)
	}
	if c.activate("a") {
		t.Fatalf("activate after close succeeded")
	}
}
