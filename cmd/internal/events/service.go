// Package events owns the shared event record: creation, optimistic
// conditional updates, deletion and the owner's participant management.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/domain/ids"
	"tandem/cmd/internal/access"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/notify"
	"tandem/cmd/internal/store"
)

// Evictor drops actors who lost access from live state. With no actor ids
// every actor of the event is dropped. presence.Tracker and broadcast.Evictor
// implement it.
type Evictor interface {
	Evict(ctx context.Context, eventID string, actorIDs ...string)
}

// Service coordinates event mutations through the store's per-event
// serialization point and publishes notices after commit.
type Service struct {
	store    store.Store
	access   *access.Resolver
	notify   *notify.Notifier
	evictors []Evictor
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithNotifier sets the fan-out notifier.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *Service) error {
		s.notify = n
		return nil
	}
}

// WithSessions sets the evictor that tears down live subscriptions on
// delete, removal and leave. It runs before any notice is published.
func WithSessions(e Evictor) Option {
	return func(s *Service) error {
		if e != nil {
			s.evictors = append([]Evictor{e}, s.evictors...)
		}
		return nil
	}
}

// WithPresence sets the presence evictor used on delete, removal and leave.
func WithPresence(p Evictor) Option {
	return func(s *Service) error {
		if p != nil {
			s.evictors = append(s.evictors, p)
		}
		return nil
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return domain.Invalid("events.WithClock", "nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(st store.Store, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, domain.Invalid("events.NewService", "store is required")
	}
	s := &Service{
		store:  st,
		access: access.NewResolver(st),
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateInput describes a new event. Color and Status default to blue and active.
type CreateInput struct {
	Actor       domain.Actor
	Title       string
	Description string
	AISource    string
	AISummary   string
	StartAt     time.Time
	EndAt       time.Time
	Color       string
	Status      string
	Link        *LinkInput
}

// Create stores a new event at version 0 with the actor as its only owner.
func (s *Service) Create(ctx context.Context, in CreateInput) (store.Event, error) {
	const op = "events.Create"
	if err := domain.RequireActor(op, in.Actor); err != nil {
		return store.Event{}, err
	}

	color := store.DefaultColor
	if strings.TrimSpace(in.Color) != "" {
		c, ok := store.ParseColor(in.Color)
		if !ok {
			return store.Event{}, domain.Invalid(op, "unknown color")
		}
		color = c
	}
	status := store.StatusActive
	if strings.TrimSpace(in.Status) != "" {
		st, ok := store.ParseEventStatus(in.Status)
		if !ok {
			return store.Event{}, domain.Invalid(op, "unknown status")
		}
		status = st
	}
	link, err := parseLink(op, in.Link)
	if err != nil {
		return store.Event{}, err
	}

	now := s.now().UTC()
	id, err := ids.NewUUID()
	if err != nil {
		return store.Event{}, err
	}

	ev := store.Event{
		ID:          id,
		OwnerID:     in.Actor.ID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		AISource:    in.AISource,
		AISummary:   in.AISummary,
		StartAt:     utc(in.StartAt),
		EndAt:       utc(in.EndAt),
		Color:       color,
		Status:      status,
		Link:        link,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validateEvent(op, ev); err != nil {
		return store.Event{}, err
	}

	owner := store.Membership{
		EventID:   id,
		ActorID:   in.Actor.ID,
		Email:     domain.NormalizeEmail(in.Actor.Email),
		Role:      access.RoleOwner,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.store.CreateEvent(ctx, ev, owner)
	if err != nil {
		return store.Event{}, err
	}
	s.log.Info("event.create", "event_id", created.ID, "seq", created.Seq, "owner_id", in.Actor.ID)
	return created, nil
}

// Get returns the event and the actor's role on it.
func (s *Service) Get(ctx context.Context, actor domain.Actor, eventID string) (store.Event, access.Role, error) {
	const op = "events.Get"
	if err := domain.RequireActor(op, actor); err != nil {
		return store.Event{}, access.RoleNone, err
	}
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return store.Event{}, access.RoleNone, err
	}
	role, err := s.access.Authorize(ctx, op, eventID, actor.ID, access.ActionRead)
	if err != nil {
		return store.Event{}, role, err
	}
	return ev, role, nil
}

// List returns every event the actor is a member of, ordered by start.
func (s *Service) List(ctx context.Context, actor domain.Actor) ([]store.Event, error) {
	if err := domain.RequireActor("events.List", actor); err != nil {
		return nil, err
	}
	return s.store.ListEventsForActor(ctx, actor.ID)
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title       *string
	Description *string
	AISource    *string
	AISummary   *string
	StartAt     *time.Time
	EndAt       *time.Time
	Color       *string
	Status      *string
	Link        *LinkInput
	ClearLink   bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.AISource == nil && p.AISummary == nil &&
		p.StartAt == nil && p.EndAt == nil && p.Color == nil && p.Status == nil &&
		p.Link == nil && !p.ClearLink
}

// UpdateInput is a conditional update against ExpectedVersion.
type UpdateInput struct {
	Actor           domain.Actor
	EventID         string
	ExpectedVersion int64
	Patch           Patch
}

// Update applies the patch only when ExpectedVersion equals the stored
// version, incrementing it by exactly one. A stale version yields a
// *ConflictError carrying the current snapshot; nothing is merged and
// nothing is retried.
func (s *Service) Update(ctx context.Context, in UpdateInput) (store.Event, error) {
	const op = "events.Update"
	if err := domain.RequireActor(op, in.Actor); err != nil {
		return store.Event{}, err
	}
	if in.ExpectedVersion < 0 {
		return store.Event{}, domain.Invalid(op, "last_known_version must be >= 0")
	}
	if in.Patch.Empty() {
		return store.Event{}, domain.Invalid(op, "no fields to update")
	}
	if in.Patch.Link != nil && in.Patch.ClearLink {
		return store.Event{}, domain.Invalid(op, "link and clear_link are exclusive")
	}

	var updated store.Event
	err := s.store.WithinEvent(ctx, in.EventID, func(ctx context.Context, r store.Repositories) error {
		cur, err := r.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if _, err := access.NewResolver(r).Authorize(ctx, op, in.EventID, in.Actor.ID, access.ActionUpdate); err != nil {
			return err
		}
		if cur.Version != in.ExpectedVersion {
			return &ConflictError{Current: cur}
		}

		next, err := applyPatch(op, cur, in.Patch)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.now().UTC()

		out, err := r.UpdateEventIfVersion(ctx, next, in.ExpectedVersion)
		if err != nil {
			if store.IsVersionMismatch(err) {
				// Another process won between read and write.
				latest, gerr := r.GetEvent(ctx, in.EventID)
				if gerr != nil {
					return gerr
				}
				return &ConflictError{Current: latest}
			}
			return err
		}
		updated = out
		return nil
	})
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) {
			s.metrics.EventUpdate(false)
			s.log.Info("event.update.conflict", "event_id", in.EventID, "actor_id", in.Actor.ID,
				"expected_version", in.ExpectedVersion, "current_version", ce.Current.Version)
		}
		return store.Event{}, err
	}

	s.metrics.EventUpdate(true)
	s.log.Info("event.update", "event_id", updated.ID, "actor_id", in.Actor.ID, "version", updated.Version)
	s.notify.EventUpdated(ctx, in.Actor.ID, updated)
	return updated, nil
}

func applyPatch(op string, cur store.Event, p Patch) (store.Event, error) {
	next := cur.Clone()
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.AISource != nil {
		next.AISource = *p.AISource
	}
	if p.AISummary != nil {
		next.AISummary = *p.AISummary
	}
	if p.StartAt != nil {
		next.StartAt = utc(*p.StartAt)
	}
	if p.EndAt != nil {
		next.EndAt = utc(*p.EndAt)
	}
	if p.Color != nil {
		c, ok := store.ParseColor(*p.Color)
		if !ok {
			return store.Event{}, domain.Invalid(op, "unknown color")
		}
		next.Color = c
	}
	if p.Status != nil {
		st, ok := store.ParseEventStatus(*p.Status)
		if !ok {
			return store.Event{}, domain.Invalid(op, "unknown status")
		}
		next.Status = st
	}
	if p.ClearLink {
		next.Link = nil
	}
	if p.Link != nil {
		l, err := parseLink(op, p.Link)
		if err != nil {
			return store.Event{}, err
		}
		next.Link = l
	}
	if err := validateEvent(op, next); err != nil {
		return store.Event{}, err
	}
	return next, nil
}

// Delete removes the event with all memberships and invitations, clears its
// presence roster and broadcasts a deletion notice.
func (s *Service) Delete(ctx context.Context, actor domain.Actor, eventID string) error {
	const op = "events.Delete"
	if err := domain.RequireActor(op, actor); err != nil {
		return err
	}

	var members []string
	err := s.store.WithinEvent(ctx, eventID, func(ctx context.Context, r store.Repositories) error {
		if _, err := r.GetEvent(ctx, eventID); err != nil {
			return err
		}
		if _, err := access.NewResolver(r).Authorize(ctx, op, eventID, actor.ID, access.ActionDelete); err != nil {
			return err
		}
		ms, err := r.ListMemberships(ctx, eventID)
		if err != nil {
			return err
		}
		for _, m := range ms {
			members = append(members, m.ActorID)
		}
		return r.DeleteEvent(ctx, eventID)
	})
	if err != nil {
		return err
	}

	s.log.Info("event.delete", "event_id", eventID, "actor_id", actor.ID, "members", len(members))
	s.evict(ctx, eventID)
	s.notify.EventDeleted(ctx, actor.ID, eventID, members)
	return nil
}

// Participants lists memberships, owner first.
func (s *Service) Participants(ctx context.Context, actor domain.Actor, eventID string) ([]store.Membership, error) {
	const op = "events.Participants"
	if err := domain.RequireActor(op, actor); err != nil {
		return nil, err
	}
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	if _, err := s.access.Authorize(ctx, op, eventID, actor.ID, access.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListMemberships(ctx, eventID)
}

// ChangeRoleInput changes a non-owner member between editor and viewer.
type ChangeRoleInput struct {
	Actor    domain.Actor
	EventID  string
	TargetID string
	Role     string
}

// ChangeRole is owner-only. Setting the current role again is a no-op without notice.
func (s *Service) ChangeRole(ctx context.Context, in ChangeRoleInput) (store.Membership, error) {
	const op = "events.ChangeRole"
	if err := domain.RequireActor(op, in.Actor); err != nil {
		return store.Membership{}, err
	}
	role, ok := access.ParseRole(in.Role)
	if !ok || !role.Invitable() {
		return store.Membership{}, domain.Invalid(op, "role must be editor or viewer")
	}

	var (
		out     store.Membership
		changed bool
	)
	err := s.store.WithinEvent(ctx, in.EventID, func(ctx context.Context, r store.Repositories) error {
		if _, err := r.GetEvent(ctx, in.EventID); err != nil {
			return err
		}
		if _, err := access.NewResolver(r).Authorize(ctx, op, in.EventID, in.Actor.ID, access.ActionManage); err != nil {
			return err
		}
		m, err := r.GetMembership(ctx, in.EventID, in.TargetID)
		if err != nil {
			return err
		}
		if m.Role == access.RoleOwner {
			return ErrOwnerImmutable
		}
		if m.Role == role {
			out = m
			return nil
		}
		out, err = r.UpdateMembershipRole(ctx, in.EventID, in.TargetID, role, s.now().UTC())
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return store.Membership{}, err
	}

	if changed {
		s.log.Info("event.role.change", "event_id", in.EventID, "actor_id", in.Actor.ID, "target_id", in.TargetID, "role", role.String())
		s.notify.RoleChanged(ctx, in.Actor.ID, in.EventID, in.TargetID, role)
	}
	return out, nil
}

// RemoveParticipant is owner-only. It deletes the membership together with
// every invitation addressed to the member's email, and evicts them from
// presence.
func (s *Service) RemoveParticipant(ctx context.Context, actor domain.Actor, eventID, targetID string) error {
	const op = "events.RemoveParticipant"
	if err := domain.RequireActor(op, actor); err != nil {
		return err
	}

	err := s.store.WithinEvent(ctx, eventID, func(ctx context.Context, r store.Repositories) error {
		if _, err := r.GetEvent(ctx, eventID); err != nil {
			return err
		}
		if _, err := access.NewResolver(r).Authorize(ctx, op, eventID, actor.ID, access.ActionManage); err != nil {
			return err
		}
		return removeMember(ctx, r, eventID, targetID)
	})
	if err != nil {
		return err
	}

	s.log.Info("event.participant.remove", "event_id", eventID, "actor_id", actor.ID, "target_id", targetID)
	s.evict(ctx, eventID, targetID)
	s.notify.ParticipantRemoved(ctx, actor.ID, eventID, targetID)
	return nil
}

// Leave removes the actor's own non-owner membership.
func (s *Service) Leave(ctx context.Context, actor domain.Actor, eventID string) error {
	const op = "events.Leave"
	if err := domain.RequireActor(op, actor); err != nil {
		return err
	}

	err := s.store.WithinEvent(ctx, eventID, func(ctx context.Context, r store.Repositories) error {
		if _, err := r.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return removeMember(ctx, r, eventID, actor.ID)
	})
	if err != nil {
		return err
	}

	s.log.Info("event.participant.leave", "event_id", eventID, "actor_id", actor.ID)
	s.evict(ctx, eventID, actor.ID)
	s.notify.ParticipantLeft(ctx, actor.ID, eventID, actor.ID)
	return nil
}

func removeMember(ctx context.Context, r store.Repositories, eventID, actorID string) error {
	m, err := r.GetMembership(ctx, eventID, actorID)
	if err != nil {
		return err
	}
	if m.Role == access.RoleOwner {
		return ErrOwnerImmutable
	}
	if err := r.DeleteMembership(ctx, eventID, actorID); err != nil {
		return err
	}
	if m.Email == "" {
		return nil
	}
	_, err = r.DeleteInvitationsForEmail(ctx, eventID, m.Email)
	return err
}

// evict runs after commit and before notices, so nothing published later
// reaches a session that lost access.
func (s *Service) evict(ctx context.Context, eventID string, actorIDs ...string) {
	for _, e := range s.evictors {
		e.Evict(ctx, eventID, actorIDs...)
	}
}
