// Package notify turns committed state changes into fan-out messages.
//
// Publishing happens after the change is durable. A failed publish is logged
// and never fails the operation that caused it.
package notify

import (
	"context"
	"log/slog"
	"time"

	"tandem/cmd/internal/access"
	"tandem/cmd/internal/broadcast"
	"tandem/cmd/internal/store"
	v1 "tandem/shared/contracts/realtime/v1"
)

const publishTimeout = 3 * time.Second

// Notifier publishes typed notices on the logical channels.
type Notifier struct {
	pub broadcast.Publisher
	log *slog.Logger
	now func() time.Time
}

// New constructs a Notifier. A nil publisher discards everything.
func New(pub broadcast.Publisher, log *slog.Logger) *Notifier {
	if pub == nil {
		pub = broadcast.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{pub: pub, log: log, now: time.Now}
}

func (n *Notifier) send(ctx context.Context, channel, eventID, typ, origin string, payload any) {
	if n == nil {
		return
	}
	msg, err := broadcast.NewMessage(channel, typ, origin, payload, n.now())
	if err != nil {
		n.log.Error("notify.encode.fail", "type", typ, "channel", channel, "err", err)
		return
	}
	msg.EventID = eventID

	// The caller's request may already be finishing; fan-out gets its own budget.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := n.pub.Publish(pctx, msg); err != nil {
		n.log.Warn("notify.publish.fail", "type", typ, "channel", channel, "event_id", eventID, "err", err)
	}
}

// EventUpdated carries the new snapshot to the event's participants.
func (n *Notifier) EventUpdated(ctx context.Context, origin string, ev store.Event) {
	n.send(ctx, broadcast.ParticipantsChannel(ev.ID), ev.ID, v1.TypeEventUpdated, origin,
		v1.EventUpdatedPayload{Event: EventView(ev)})
}

// EventDeleted reaches clients joined to the event and every former member's
// user channel, so screens not joined to the event can drop it too.
func (n *Notifier) EventDeleted(ctx context.Context, origin, eventID string, memberIDs []string) {
	p := v1.EventDeletedPayload{EventID: eventID}
	n.send(ctx, broadcast.ParticipantsChannel(eventID), eventID, v1.TypeEventDeleted, origin, p)
	for _, id := range memberIDs {
		n.send(ctx, broadcast.UserChannel(id), eventID, v1.TypeEventDeleted, origin, p)
	}
}

// RoleChanged notifies participants and the affected actor.
func (n *Notifier) RoleChanged(ctx context.Context, origin, eventID, actorID string, role access.Role) {
	p := v1.RoleChangedPayload{EventID: eventID, ActorID: actorID, Role: role.String()}
	n.send(ctx, broadcast.ParticipantsChannel(eventID), eventID, v1.TypeRoleChanged, origin, p)
	n.send(ctx, broadcast.UserChannel(actorID), eventID, v1.TypeRoleChanged, origin, p)
}

func (n *Notifier) ParticipantJoined(ctx context.Context, origin string, m store.Membership) {
	n.send(ctx, broadcast.ParticipantsChannel(m.EventID), m.EventID, v1.TypeParticipantJoined, origin,
		v1.ParticipantJoinedPayload{EventID: m.EventID, ActorID: m.ActorID, Email: m.Email, Role: m.Role.String()})
}

// ParticipantRemoved notifies participants and the removed actor.
func (n *Notifier) ParticipantRemoved(ctx context.Context, origin, eventID, actorID string) {
	p := v1.ParticipantRemovedPayload{EventID: eventID, ActorID: actorID}
	n.send(ctx, broadcast.ParticipantsChannel(eventID), eventID, v1.TypeParticipantRemoved, origin, p)
	n.send(ctx, broadcast.UserChannel(actorID), eventID, v1.TypeParticipantRemoved, origin, p)
}

func (n *Notifier) ParticipantLeft(ctx context.Context, origin, eventID, actorID string) {
	n.send(ctx, broadcast.ParticipantsChannel(eventID), eventID, v1.TypeParticipantLeft, origin,
		v1.ParticipantLeftPayload{EventID: eventID, ActorID: actorID})
}

func (n *Notifier) ParticipantDeclined(ctx context.Context, origin, eventID, email string) {
	n.send(ctx, broadcast.ParticipantsChannel(eventID), eventID, v1.TypeParticipantDeclined, origin,
		v1.ParticipantDeclinedPayload{EventID: eventID, Email: email})
}

func (n *Notifier) InvitationIssued(ctx context.Context, origin string, inv store.Invitation) {
	n.invitation(ctx, v1.TypeInvitationIssued, origin, inv)
}

func (n *Notifier) InvitationExpired(ctx context.Context, origin string, inv store.Invitation) {
	n.invitation(ctx, v1.TypeInvitationExpired, origin, inv)
}

func (n *Notifier) InvitationRevoked(ctx context.Context, origin string, inv store.Invitation) {
	n.invitation(ctx, v1.TypeInvitationRevoked, origin, inv)
}

func (n *Notifier) invitation(ctx context.Context, typ, origin string, inv store.Invitation) {
	n.send(ctx, broadcast.ParticipantsChannel(inv.EventID), inv.EventID, typ, origin,
		v1.InvitationPayload{Invitation: InvitationView(inv)})
}

// PresenceJoined is published with the joining actor as origin.
func (n *Notifier) PresenceJoined(ctx context.Context, eventID string, a v1.ActorView) {
	n.send(ctx, broadcast.PresenceChannel(eventID), eventID, v1.TypePresenceJoined, a.ActorID,
		v1.PresenceJoinedPayload{EventID: eventID, Actor: a})
}

func (n *Notifier) PresenceLeft(ctx context.Context, eventID, actorID string) {
	n.send(ctx, broadcast.PresenceChannel(eventID), eventID, v1.TypePresenceLeft, actorID,
		v1.PresenceLeftPayload{EventID: eventID, ActorID: actorID})
}

func (n *Notifier) PresenceEditing(ctx context.Context, eventID, actorID string, editing bool) {
	n.send(ctx, broadcast.PresenceChannel(eventID), eventID, v1.TypePresenceEditing, actorID,
		v1.PresenceEditingPayload{EventID: eventID, ActorID: actorID, Editing: editing})
}
