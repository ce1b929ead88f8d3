// Package presence tracks which actors are connected to an event and which
// of them are editing the shared text field.
//
// State is per process and never persisted. A session is one connection; an
// actor stays in the roster while any of their sessions is joined.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/notify"
	v1 "tandem/shared/contracts/realtime/v1"
)

// DefaultEditingIdle is how long an editing flag survives without renewal.
const DefaultEditingIdle = 2500 * time.Millisecond

// ErrNotJoined is returned by SetEditing for an actor outside the roster.
var ErrNotJoined = domain.Invalid("presence.SetEditing", "not joined to event")

// Entry is one actor in an event roster.
type Entry struct {
	ActorID  string
	Email    string
	Editing  bool
	JoinedAt time.Time
}

// View converts the entry to its wire form.
func (e Entry) View() v1.ActorView {
	return v1.ActorView{ActorID: e.ActorID, Email: e.Email, Editing: e.Editing, JoinedAt: e.JoinedAt.UTC()}
}

type member struct {
	actor    domain.Actor
	sessions map[string]struct{}
	joinedAt time.Time

	editing bool
	gen     uint64 // bumped on every editing transition or renewal
	timer   Timer
}

func (m *member) entry() Entry {
	return Entry{ActorID: m.actor.ID, Email: m.actor.Email, Editing: m.editing, JoinedAt: m.joinedAt}
}

func (m *member) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEditingIdle overrides the idle window. Non-positive values are ignored.
func WithEditingIdle(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.idle = d
		}
	}
}

// WithScheduler replaces the timer source.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) {
		if s != nil {
			t.sched = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMetrics attaches the online gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker is the per-event roster: event_id -> actor_id -> member.
//
// Notices are published after the lock is released; presence operations
// never wait on the bus while holding state.
type Tracker struct {
	log     *slog.Logger
	notify  *notify.Notifier
	metrics *metrics.Metrics
	sched   Scheduler
	idle    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	events map[string]map[string]*member
}

// NewTracker constructs a Tracker.
func NewTracker(log *slog.Logger, n *notify.Notifier, opts ...Option) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		log:    log,
		notify: n,
		sched:  realScheduler{},
		idle:   DefaultEditingIdle,
		now:    time.Now,
		events: make(map[string]map[string]*member),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Join adds the session and returns the roster, including the joining actor.
// Other present actors are notified only when this is the actor's first
// session in the event.
func (t *Tracker) Join(ctx context.Context, eventID string, actor domain.Actor, sessionID string) []Entry {
	t.mu.Lock()
	room, ok := t.events[eventID]
	if !ok {
		room = make(map[string]*member)
		t.events[eventID] = room
	}

	m, existed := room[actor.ID]
	if !existed {
		m = &member{actor: actor, sessions: make(map[string]struct{}), joinedAt: t.now().UTC()}
		room[actor.ID] = m
	}
	m.sessions[sessionID] = struct{}{}

	roster := rosterLocked(room)
	joined := m.entry()
	t.mu.Unlock()

	if !existed {
		t.metrics.PresenceOnline(1)
		t.log.Info("presence.join", "event_id", eventID, "actor_id", actor.ID, "session_id", sessionID)
		t.notify.PresenceJoined(ctx, eventID, joined.View())
	}
	return roster
}

// Leave removes the session. On the actor's last session the editing flag is
// cleared and other present actors are notified.
func (t *Tracker) Leave(ctx context.Context, eventID, actorID, sessionID string) {
	t.mu.Lock()
	room := t.events[eventID]
	m := room[actorID]
	if m == nil {
		t.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	if len(m.sessions) > 0 {
		t.mu.Unlock()
		return
	}
	m.stopTimer()
	m.gen++
	delete(room, actorID)
	if len(room) == 0 {
		delete(t.events, eventID)
	}
	t.mu.Unlock()

	t.metrics.PresenceOnline(-1)
	t.log.Info("presence.leave", "event_id", eventID, "actor_id", actorID, "session_id", sessionID)
	t.notify.PresenceLeft(ctx, eventID, actorID)
}

// SetEditing sets or clears the actor's editing flag. A true assertion is
// renewed by each call and reverts to false after the idle window of silence.
// Only transitions are published.
func (t *Tracker) SetEditing(ctx context.Context, eventID, actorID string, editing bool) error {
	t.mu.Lock()
	m := t.events[eventID][actorID]
	if m == nil {
		t.mu.Unlock()
		return ErrNotJoined
	}

	changed := m.editing != editing
	m.editing = editing
	m.gen++
	m.stopTimer()

	if editing {
		gen := m.gen
		m.timer = t.sched.AfterFunc(t.idle, func() { t.expire(eventID, actorID, gen) })
	}
	t.mu.Unlock()

	if changed {
		t.notify.PresenceEditing(ctx, eventID, actorID, editing)
	}
	return nil
}

// expire clears the flag if no renewal or transition happened since gen.
func (t *Tracker) expire(eventID, actorID string, gen uint64) {
	t.mu.Lock()
	m := t.events[eventID][actorID]
	if m == nil || m.gen != gen || !m.editing {
		t.mu.Unlock()
		return
	}
	m.editing = false
	m.gen++
	m.timer = nil
	t.mu.Unlock()

	t.log.Debug("presence.editing.expire", "event_id", eventID, "actor_id", actorID)
	t.notify.PresenceEditing(context.Background(), eventID, actorID, false)
}

// Evict removes actors from an event without waiting for their connections.
// With no actor ids the whole roster is dropped silently (event deleted);
// otherwise each evicted actor produces a left notice.
func (t *Tracker) Evict(ctx context.Context, eventID string, actorIDs ...string) {
	t.mu.Lock()
	room := t.events[eventID]
	if room == nil {
		t.mu.Unlock()
		return
	}

	var evicted []string
	if len(actorIDs) == 0 {
		for id, m := range room {
			m.stopTimer()
			m.gen++
			evicted = append(evicted, id)
		}
		delete(t.events, eventID)
	} else {
		for _, id := range actorIDs {
			m := room[id]
			if m == nil {
				continue
			}
			m.stopTimer()
			m.gen++
			delete(room, id)
			evicted = append(evicted, id)
		}
		if len(room) == 0 {
			delete(t.events, eventID)
		}
	}
	t.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	t.metrics.PresenceOnline(-len(evicted))
	t.log.Info("presence.evict", "event_id", eventID, "actors", len(evicted))

	if len(actorIDs) == 0 {
		return
	}
	for _, id := range evicted {
		t.notify.PresenceLeft(ctx, eventID, id)
	}
}

// Roster returns the current entries for eventID.
func (t *Tracker) Roster(eventID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return rosterLocked(t.events[eventID])
}

// Editing reports the actor's editing flag.
func (t *Tracker) Editing(eventID, actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.events[eventID][actorID]
	return m != nil && m.editing
}

// Present reports whether the actor has any session joined to eventID.
func (t *Tracker) Present(eventID, actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[eventID][actorID] != nil
}

func rosterLocked(room map[string]*member) []Entry {
	out := make([]Entry, 0, len(room))
	for _, m := range room {
		out = append(out, m.entry())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ActorID < out[j].ActorID
	})
	return out
}
