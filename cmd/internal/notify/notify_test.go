package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tandem/cmd/internal/access"
	"tandem/cmd/internal/broadcast"
	"tandem/cmd/internal/store"
	v1 "tandem/shared/contracts/realtime/v1"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, broadcast.Message) error {
	return errors.New("bus down")
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_EventDeletedReachesUserChannels(t *testing.T) {
	t.Parallel()

	rec := &broadcast.Recorder{}
	n := New(rec, testLogger())

	n.EventDeleted(context.Background(), "owner", "e1", []string{"ed", "vi"})

	msgs := rec.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages=%d want 3", len(msgs))
	}
	wantChannels := []string{
		broadcast.ParticipantsChannel("e1"),
		broadcast.UserChannel("ed"),
		broadcast.UserChannel("vi"),
	}
	for i, m := range msgs {
		if m.Channel != wantChannels[i] || m.Type != v1.TypeEventDeleted || m.Origin != "owner" || m.EventID != "e1" {
			t.Fatalf("msg[%d]=%+v", i, m)
		}
	}
}

func TestNotifier_EventUpdatedCarriesSnapshot(t *testing.T) {
	t.Parallel()

	rec := &broadcast.Recorder{}
	n := New(rec, testLogger())

	ev := store.Event{ID: "e1", Title: "t", Version: 4, Link: &store.Link{Kind: store.LinkChallenge, ID: "c1"}}
	n.EventUpdated(context.Background(), "editor", ev)

	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages=%d", len(msgs))
	}
	var p v1.EventUpdatedPayload
	if err := json.Unmarshal(msgs[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Event.Version != 4 || p.Event.Link == nil || p.Event.Link.ID != "c1" {
		t.Fatalf("snapshot=%+v", p.Event)
	}
}

func TestNotifier_RoleChangedAndPresence(t *testing.T) {
	t.Parallel()

	rec := &broadcast.Recorder{}
	n := New(rec, testLogger())
	ctx := context.Background()

	n.RoleChanged(ctx, "owner", "e1", "bob", access.RoleViewer)
	n.PresenceJoined(ctx, "e1", v1.ActorView{ActorID: "bob", JoinedAt: time.Now()})
	n.PresenceEditing(ctx, "e1", "bob", true)

	if got := rec.Types(broadcast.UserChannel("bob")); len(got) != 1 || got[0] != v1.TypeRoleChanged {
		t.Fatalf("user channel=%v", got)
	}
	pres := rec.Messages()[2:]
	for _, m := range pres {
		if m.Channel != broadcast.PresenceChannel("e1") || m.Origin != "bob" {
			t.Fatalf("presence msg=%+v", m)
		}
	}
}

func TestNotifier_PublishFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	n := New(failingPublisher{}, testLogger())
	n.InvitationExpired(context.Background(), "", store.Invitation{ID: "i1", EventID: "e1"})

	var nilNotifier *Notifier
	nilNotifier.ParticipantLeft(context.Background(), "a", "e1", "a")
}
