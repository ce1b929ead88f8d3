package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"
)

func newTestEvent(id, owner string, now time.Time) (Event, Membership) {
	ev := Event{
		ID:        id,
		OwnerID:   owner,
		Title:     "standup",
		StartAt:   now,
		EndAt:     now.Add(time.Hour),
		Color:     DefaultColor,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m := Membership{EventID: id, ActorID: owner, Email: owner + "@example.com", Role: access.RoleOwner, CreatedAt: now, UpdatedAt: now}
	return ev, m
}

func TestMemoryStore_CreateAssignsSeqAndOwner(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev1, m1 := newTestEvent("ev-1", "alice", now)
	ev2, m2 := newTestEvent("ev-2", "alice", now.Add(time.Minute))

	got1, err := s.CreateEvent(ctx, ev1, m1)
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	got2, err := s.CreateEvent(ctx, ev2, m2)
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if got1.Seq != 1 || got2.Seq != 2 {
		t.Fatalf("seq: got %d,%d want 1,2", got1.Seq, got2.Seq)
	}
	if got1.Version != 0 {
		t.Fatalf("initial version=%d want 0", got1.Version)
	}

	role, err := s.MembershipRole(ctx, "ev-1", "alice")
	if err != nil || role != access.RoleOwner {
		t.Fatalf("owner role=%s err=%v", role, err)
	}

	if _, err := s.CreateEvent(ctx, ev1, m1); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate create: want ErrDuplicate, got %v", err)
	}

	second := Membership{EventID: "ev-1", ActorID: "bob", Role: access.RoleOwner}
	if err := s.InsertMembership(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second owner: want ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_UpdateEventIfVersion(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev, m := newTestEvent("ev-1", "alice", now)
	if _, err := s.CreateEvent(ctx, ev, m); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev.Title = "renamed"
	out, err := s.UpdateEventIfVersion(ctx, ev, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.Version != 1 || out.Title != "renamed" {
		t.Fatalf("update result: %+v", out)
	}

	if _, err := s.UpdateEventIfVersion(ctx, ev, 0); !IsVersionMismatch(err) {
		t.Fatalf("stale update: want version mismatch, got %v", err)
	}
	if !domain.IsConflict(ErrVersionMismatch) {
		t.Fatalf("ErrVersionMismatch must wrap domain.ErrConflict")
	}

	ev.ID = "missing"
	if _, err := s.UpdateEventIfVersion(ctx, ev, 0); !domain.IsNotFound(err) {
		t.Fatalf("missing update: want not found, got %v", err)
	}
}

func TestMemoryStore_WithinEventRestoresOnError(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev, m := newTestEvent("ev-1", "alice", now)
	if _, err := s.CreateEvent(ctx, ev, m); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithinEvent(ctx, "ev-1", func(ctx context.Context, r Repositories) error {
		if err := r.InsertMembership(ctx, Membership{EventID: "ev-1", ActorID: "bob", Role: access.RoleEditor}); err != nil {
			return err
		}
		cur, err := r.GetEvent(ctx, "ev-1")
		if err != nil {
			return err
		}
		cur.Title = "half applied"
		if _, err := r.UpdateEventIfVersion(ctx, cur, cur.Version); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinEvent err=%v want boom", err)
	}

	got, _ := s.GetEvent(ctx, "ev-1")
	if got.Title != "standup" || got.Version != 0 {
		t.Fatalf("event not restored: %+v", got)
	}
	if _, err := s.GetMembership(ctx, "ev-1", "bob"); !domain.IsNotFound(err) {
		t.Fatalf("membership not restored: %v", err)
	}
	if n := s.locks.size(); n != 0 {
		t.Fatalf("lock entries leaked: %d", n)
	}
}

func TestMemoryStore_WithinEventSerializesPerEvent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev, m := newTestEvent("ev-1", "alice", now)
	if _, err := s.CreateEvent(ctx, ev, m); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinEvent(ctx, "ev-1", func(ctx context.Context, r Repositories) error {
				cur, err := r.GetEvent(ctx, "ev-1")
				if err != nil {
					return err
				}
				_, err = r.UpdateEventIfVersion(ctx, cur, cur.Version)
				return err
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetEvent(ctx, "ev-1")
	if got.Version != workers {
		t.Fatalf("version=%d want %d (read-modify-write lost updates)", got.Version, workers)
	}
}

func TestMemoryStore_DeleteEventCascades(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev, m := newTestEvent("ev-1", "alice", now)
	if _, err := s.CreateEvent(ctx, ev, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	inv := Invitation{
		ID: "inv-1", EventID: "ev-1", InviterID: "alice", Email: "bob@example.com",
		Role: access.RoleEditor, TokenHash: "h1", Status: InvitationPending, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.InsertInvitation(ctx, inv); err != nil {
		t.Fatalf("insert invitation: %v", err)
	}

	if err := s.DeleteEvent(ctx, "ev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetInvitationByTokenHash(ctx, "h1"); !domain.IsNotFound(err) {
		t.Fatalf("invitation survived delete: %v", err)
	}
	if ms, _ := s.ListMemberships(ctx, "ev-1"); len(ms) != 0 {
		t.Fatalf("memberships survived delete: %d", len(ms))
	}
	if err := s.DeleteEvent(ctx, "ev-1"); !domain.IsNotFound(err) {
		t.Fatalf("second delete: want not found, got %v", err)
	}
}

func TestMemoryStore_InvitationConstraints(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev, m := newTestEvent("ev-1", "alice", now)
	if _, err := s.CreateEvent(ctx, ev, m); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := Invitation{
		ID: "inv-1", EventID: "ev-1", InviterID: "alice", Email: "bob@example.com",
		Role: access.RoleViewer, TokenHash: "h1", Status: InvitationPending, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.InsertInvitation(ctx, base); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := base
	dup.ID, dup.TokenHash, dup.Email = "inv-2", "h2", "BOB@example.com"
	if err := s.InsertInvitation(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second pending: want ErrDuplicate, got %v", err)
	}

	got, err := s.TransitionInvitation(ctx, "inv-1", InvitationPending, InvitationExpired, now)
	if err != nil || got.Status != InvitationExpired {
		t.Fatalf("transition: %+v err=%v", got, err)
	}
	if _, err := s.TransitionInvitation(ctx, "inv-1", InvitationPending, InvitationAccepted, now); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("terminal transition: want ErrStatusMismatch, got %v", err)
	}

	// Once the first is no longer pending, a fresh invitation is allowed.
	if err := s.InsertInvitation(ctx, dup); err != nil {
		t.Fatalf("reissue after expiry: %v", err)
	}

	n, err := s.DeleteInvitationsForEmail(ctx, "ev-1", "bob@example.com")
	if err != nil || n != 2 {
		t.Fatalf("delete for email: n=%d err=%v", n, err)
	}
}
