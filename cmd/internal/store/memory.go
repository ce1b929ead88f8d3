package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"
)

// MemoryStore is the dev fallback when no database is configured.
//
// Data lives behind one RWMutex held only for the instant of each read or
// write. WithinEvent adds a per-event lock on top and restores the event's
// records if fn fails, which gives the same all-or-nothing outcome as the
// PostgreSQL transaction.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	events  map[string]Event
	members map[string]map[string]Membership // event_id -> actor_id
	invites map[string]Invitation            // id
	byToken map[string]string                // token_hash -> id

	locks *keyedMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string]Event),
		members: make(map[string]map[string]Membership),
		invites: make(map[string]Invitation),
		byToken: make(map[string]string),
		locks:   newKeyedMutex(),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// CreateEvent inserts the event and owner membership.
func (s *MemoryStore) CreateEvent(ctx context.Context, ev Event, owner Membership) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if ev.ID == "" || owner.ActorID == "" || owner.EventID != ev.ID || owner.Role != access.RoleOwner {
		return Event{}, domain.Invalid("store.CreateEvent", "event id and owner membership required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return Event{}, ErrDuplicate
	}
	s.seq++
	ev.Seq = s.seq
	s.events[ev.ID] = ev.Clone()
	s.members[ev.ID] = map[string]Membership{owner.ActorID: owner}
	return ev.Clone(), nil
}

// WithinEvent runs fn under the event's lock.
func (s *MemoryStore) WithinEvent(ctx context.Context, eventID string, fn func(ctx context.Context, r Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(eventID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot(eventID)
	if err := fn(ctx, s); err != nil {
		s.restore(eventID, snap)
		return err
	}
	return nil
}

type eventSnapshot struct {
	event   *Event
	members map[string]Membership
	invites []Invitation
}

func (s *MemoryStore) snapshot(eventID string) eventSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap eventSnapshot
	if ev, ok := s.events[eventID]; ok {
		c := ev.Clone()
		snap.event = &c
	}
	if ms, ok := s.members[eventID]; ok {
		snap.members = make(map[string]Membership, len(ms))
		for k, v := range ms {
			snap.members[k] = v
		}
	}
	for _, inv := range s.invites {
		if inv.EventID == eventID {
			snap.invites = append(snap.invites, inv)
		}
	}
	return snap
}

func (s *MemoryStore) restore(eventID string, snap eventSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, eventID)
	if snap.event != nil {
		s.events[eventID] = *snap.event
	}
	delete(s.members, eventID)
	if snap.members != nil {
		s.members[eventID] = snap.members
	}
	for id, inv := range s.invites {
		if inv.EventID == eventID {
			delete(s.invites, id)
			delete(s.byToken, inv.TokenHash)
		}
	}
	for _, inv := range snap.invites {
		s.invites[inv.ID] = inv
		s.byToken[inv.TokenHash] = inv.ID
	}
}

// ---- events ----

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return Event{}, notFound("store.GetEvent", "event")
	}
	return ev.Clone(), nil
}

func (s *MemoryStore) ListEventsForActor(ctx context.Context, actorID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0)
	for eventID, ms := range s.members {
		if _, ok := ms[actorID]; !ok {
			continue
		}
		if ev, ok := s.events[eventID]; ok {
			out = append(out, ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *MemoryStore) UpdateEventIfVersion(ctx context.Context, ev Event, expected int64) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.events[ev.ID]
	if !ok {
		return Event{}, notFound("store.UpdateEventIfVersion", "event")
	}
	if cur.Version != expected {
		return Event{}, ErrVersionMismatch
	}

	// Identity and ownership columns are not writable through an update.
	ev.Seq = cur.Seq
	ev.OwnerID = cur.OwnerID
	ev.CreatedAt = cur.CreatedAt
	ev.Version = expected + 1

	s.events[ev.ID] = ev.Clone()
	return ev.Clone(), nil
}

func (s *MemoryStore) DeleteEvent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[id]; !ok {
		return notFound("store.DeleteEvent", "event")
	}
	delete(s.events, id)
	delete(s.members, id)
	for invID, inv := range s.invites {
		if inv.EventID == id {
			delete(s.invites, invID)
			delete(s.byToken, inv.TokenHash)
		}
	}
	return nil
}

// ---- memberships ----

func (s *MemoryStore) MembershipRole(ctx context.Context, eventID, actorID string) (access.Role, error) {
	m, err := s.GetMembership(ctx, eventID, actorID)
	if err != nil {
		return access.RoleNone, err
	}
	return m.Role, nil
}

func (s *MemoryStore) GetMembership(ctx context.Context, eventID, actorID string) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[eventID][actorID]
	if !ok {
		return Membership{}, notFound("store.GetMembership", "membership")
	}
	return m, nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, eventID string) ([]Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms := s.members[eventID]
	out := make([]Membership, 0, len(ms))
	for _, m := range ms {
		out = append(out, m)
	}
	sortMemberships(out)
	return out, nil
}

func (s *MemoryStore) FindMembershipByEmail(ctx context.Context, eventID, email string) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}
	email = domain.NormalizeEmail(email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members[eventID] {
		if domain.SameEmail(m.Email, email) {
			return m, nil
		}
	}
	return Membership{}, notFound("store.FindMembershipByEmail", "membership")
}

func (s *MemoryStore) InsertMembership(ctx context.Context, m Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[m.EventID]; !ok {
		return notFound("store.InsertMembership", "event")
	}
	ms := s.members[m.EventID]
	if ms == nil {
		ms = make(map[string]Membership)
		s.members[m.EventID] = ms
	}
	if _, ok := ms[m.ActorID]; ok {
		return ErrDuplicate
	}
	if m.Role == access.RoleOwner {
		for _, other := range ms {
			if other.Role == access.RoleOwner {
				return ErrDuplicate
			}
		}
	}
	ms[m.ActorID] = m
	return nil
}

func (s *MemoryStore) UpdateMembershipRole(ctx context.Context, eventID, actorID string, role access.Role, now time.Time) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[eventID][actorID]
	if !ok {
		return Membership{}, notFound("store.UpdateMembershipRole", "membership")
	}
	m.Role = role
	m.UpdatedAt = now
	s.members[eventID][actorID] = m
	return m, nil
}

func (s *MemoryStore) DeleteMembership(ctx context.Context, eventID, actorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[eventID][actorID]; !ok {
		return notFound("store.DeleteMembership", "membership")
	}
	delete(s.members[eventID], actorID)
	return nil
}

// ---- invitations ----

func (s *MemoryStore) GetInvitation(ctx context.Context, id string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invites[id]
	if !ok {
		return Invitation{}, notFound("store.GetInvitation", "invitation")
	}
	return inv, nil
}

func (s *MemoryStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[strings.TrimSpace(tokenHash)]
	if !ok {
		return Invitation{}, notFound("store.GetInvitationByTokenHash", "invitation")
	}
	return s.invites[id], nil
}

func (s *MemoryStore) ListInvitations(ctx context.Context, eventID string) ([]Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Invitation, 0)
	for _, inv := range s.invites {
		if inv.EventID == eventID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindPendingInvitation(ctx context.Context, eventID, email string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invites {
		if inv.EventID == eventID && inv.Status == InvitationPending && domain.SameEmail(inv.Email, email) {
			return inv, nil
		}
	}
	return Invitation{}, notFound("store.FindPendingInvitation", "invitation")
}

func (s *MemoryStore) InsertInvitation(ctx context.Context, inv Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[inv.EventID]; !ok {
		return notFound("store.InsertInvitation", "event")
	}
	if _, ok := s.invites[inv.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byToken[inv.TokenHash]; ok {
		return ErrDuplicate
	}
	if inv.Status == InvitationPending {
		for _, other := range s.invites {
			if other.EventID == inv.EventID && other.Status == InvitationPending && domain.SameEmail(other.Email, inv.Email) {
				return ErrDuplicate
			}
		}
	}
	s.invites[inv.ID] = inv
	s.byToken[inv.TokenHash] = inv.ID
	return nil
}

func (s *MemoryStore) TransitionInvitation(ctx context.Context, id string, from, to InvitationStatus, now time.Time) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[id]
	if !ok {
		return Invitation{}, notFound("store.TransitionInvitation", "invitation")
	}
	if inv.Status != from {
		return Invitation{}, ErrStatusMismatch
	}
	inv.Status = to
	inv.UpdatedAt = now
	s.invites[id] = inv
	return inv, nil
}

func (s *MemoryStore) DeleteInvitation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[id]
	if !ok {
		return notFound("store.DeleteInvitation", "invitation")
	}
	delete(s.invites, id)
	delete(s.byToken, inv.TokenHash)
	return nil
}

func (s *MemoryStore) DeleteInvitationsForEmail(ctx context.Context, eventID, email string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, inv := range s.invites {
		if inv.EventID == eventID && domain.SameEmail(inv.Email, email) {
			delete(s.invites, id)
			delete(s.byToken, inv.TokenHash)
			n++
		}
	}
	return n, nil
}

func sortMemberships(ms []Membership) {
	rank := func(r access.Role) int {
		switch r {
		case access.RoleOwner:
			return 0
		case access.RoleEditor:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(ms, func(i, j int) bool {
		if ri, rj := rank(ms[i].Role), rank(ms[j].Role); ri != rj {
			return ri < rj
		}
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ActorID < ms[j].ActorID
	})
}

var errNilStore = errors.New("store: nil store")
