// Package invite implements the invitation state machine:
// pending -> accepted | declined | expired, all one-way.
//
// Expiry is evaluated lazily on every read path and persisted by the read
// that discovers it; there is no background sweep.
package invite

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/domain/ids"
	"tandem/cmd/internal/access"
	"tandem/cmd/internal/mail"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/notify"
	"tandem/cmd/internal/store"
	"tandem/cmd/security/token"
)

// DefaultTTL is the invitation horizon.
const DefaultTTL = 7 * 24 * time.Hour

// Service manages invitation issuance and token transitions.
type Service struct {
	store      store.Store
	notify     *notify.Notifier
	mailer     mail.Sender
	hasher     *token.Hasher
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	ttl        time.Duration
	tokenBytes int
	acceptBase string
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

// WithMailer sets the email sender.
func WithMailer(m mail.Sender) Option {
	return func(s *Service) error {
		s.mailer = m
		return nil
	}
}

// WithHasher sets the token hasher (HMAC when a key is configured).
func WithHasher(h *token.Hasher) Option {
	return func(s *Service) error {
		if h == nil {
			return domain.Invalid("invite.WithHasher", "nil hasher")
		}
		s.hasher = h
		return nil
	}
}

// WithTTL sets the invitation horizon.
func WithTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return domain.Invalid("invite.WithTTL", "ttl must be positive")
		}
		s.ttl = d
		return nil
	}
}

// WithTokenBytes sets the length of generated invite tokens in bytes.
func WithTokenBytes(n int) Option {
	return func(s *Service) error {
		if n < 16 {
			return domain.Invalid("invite.WithTokenBytes", "token must be at least 16 bytes")
		}
		s.tokenBytes = n
		return nil
	}
}

// WithAcceptBaseURL sets the public base URL used to build acceptance links.
func WithAcceptBaseURL(base string) Option {
	return func(s *Service) error {
		s.acceptBase = strings.TrimRight(strings.TrimSpace(base), "/")
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
			return domain.Invalid("invite.WithClock", "nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(st store.Store, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, domain.Invalid("invite.NewService", "store is required")
	}
	hasher, _ := token.NewHasher("", false)
	s := &Service{
		store:      st,
		hasher:     hasher,
		log:        slog.Default(),
		now:        time.Now,
		ttl:        DefaultTTL,
		tokenBytes: token.DefaultTokenBytes,
		acceptBase: "http://localhost:8080",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.mailer == nil {
		s.mailer = mail.LogSender{Log: s.log}
	}
	return s, nil
}

// AcceptURL is the link sent in the email for plain token tok.
func (s *Service) AcceptURL(tok string) string {
	return s.acceptBase + "/invitations/" + url.PathEscape(tok)
}

// IssueInput describes an invitation request.
type IssueInput struct {
	Actor   domain.Actor
	EventID string
	Email   string
	Role    string
}

// IssueResult is a persisted invitation. Token is the plain single-use
// credential and is never stored. Warning is a domain.DeliveryWarning when
// the email could not be dispatched.
type IssueResult struct {
	Invitation store.Invitation
	Token      string
	Warning    error
}

// Issue creates a pending invitation. Only the owner may invite, the role must
// be editor or viewer, and the email must be neither a member nor already
// pending. An existing pending invitation past its horizon is expired first,
// which allows re-inviting.
func (s *Service) Issue(ctx context.Context, in IssueInput) (IssueResult, error) {
	const op = "invite.Issue"
	if err := domain.RequireActor(op, in.Actor); err != nil {
		return IssueResult{}, err
	}
	email := domain.NormalizeEmail(in.Email)
	if !domain.ValidEmail(email) {
		return IssueResult{}, domain.Invalid(op, "invalid email")
	}
	role, ok := access.ParseRole(in.Role)
	if !ok || !role.Invitable() {
		return IssueResult{}, domain.Invalid(op, "role must be editor or viewer")
	}

	plain, err := token.NewOpaque(s.tokenBytes)
	if err != nil {
		return IssueResult{}, err
	}

	var (
		inv        store.Invitation
		ev         store.Event
		inviter    string
		supplanted *store.Invitation
	)
	err = s.store.WithinEvent(ctx, in.EventID, func(ctx context.Context, r store.Repositories) error {
		var err error
		ev, err = r.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if _, err := access.NewResolver(r).Authorize(ctx, op, in.EventID, in.Actor.ID, access.ActionManage); err != nil {
			return err
		}

		if _, err := r.FindMembershipByEmail(ctx, in.EventID, email); err == nil {
			return ErrAlreadyMember
		} else if !domain.IsNotFound(err) {
			return err
		}

		now := s.now().UTC()
		pending, err := r.FindPendingInvitation(ctx, in.EventID, email)
		switch {
		case err == nil:
			if _, observed := Evaluate(pending, now); observed == store.InvitationPending {
				return ErrDuplicatePending
			}
			flipped, err := r.TransitionInvitation(ctx, pending.ID, store.InvitationPending, store.InvitationExpired, now)
			if err != nil {
				return err
			}
			supplanted = &flipped
		case !domain.IsNotFound(err):
			return err
		}

		id, err := ids.NewULID(now)
		if err != nil {
			return err
		}
		inv = store.Invitation{
			ID:        id,
			EventID:   in.EventID,
			InviterID: in.Actor.ID,
			Email:     email,
			Role:      role,
			TokenHash: s.hasher.Hash(plain),
			Status:    store.InvitationPending,
			ExpiresAt: now.Add(s.ttl),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.InsertInvitation(ctx, inv); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicatePending
			}
			return err
		}

		inviter = in.Actor.Email
		if m, err := r.GetMembership(ctx, in.EventID, in.Actor.ID); err == nil && m.Email != "" {
			inviter = m.Email
		}
		return nil
	})
	if err != nil {
		return IssueResult{}, err
	}

	if supplanted != nil {
		s.metrics.InvitationTransition(string(store.InvitationExpired))
		s.notify.InvitationExpired(ctx, in.Actor.ID, *supplanted)
	}
	s.metrics.InvitationTransition(string(store.InvitationPending))
	s.log.Info("invite.issue", "event_id", in.EventID, "invitation_id", inv.ID, "actor_id", in.Actor.ID, "role", role.String())
	s.notify.InvitationIssued(ctx, in.Actor.ID, inv)

	res := IssueResult{Invitation: inv, Token: plain}

	// Dispatch happens after commit; a failure never undoes the invitation.
	sendErr := s.mailer.SendInvitation(ctx, mail.Invitation{
		To:           email,
		InviterEmail: inviter,
		EventTitle:   ev.Title,
		EventStart:   ev.StartAt,
		Role:         role.String(),
		AcceptURL:    s.AcceptURL(plain),
		ExpiresAt:    inv.ExpiresAt,
	})
	if sendErr != nil {
		s.metrics.InvitationEmailFailed()
		s.log.Warn("invite.email.fail", "event_id", in.EventID, "invitation_id", inv.ID, "err", sendErr)
		res.Warning = domain.DeliveryWarning{Email: email, Err: sendErr}
	}
	return res, nil
}

// Inviter summarizes who sent an invitation.
type Inviter struct {
	ID    string
	Email string
}

// Resolution is what a token resolves to.
type Resolution struct {
	Invitation store.Invitation
	Event      store.Event
	Inviter    Inviter
}

// Resolve looks up a pending invitation by its plain token. Accepted and
// declined invitations resolve as not found; an expired one returns
// ErrExpired, persisting the transition when this read discovered it.
func (s *Service) Resolve(ctx context.Context, tok string) (Resolution, error) {
	const op = "invite.Resolve"

	var res Resolution
	flipped, err := s.withToken(ctx, op, tok, func(ctx context.Context, r store.Repositories, inv store.Invitation, ev store.Event) error {
		if inv.Status != store.InvitationPending {
			return errInvitationNotFound(op)
		}
		res = Resolution{Invitation: inv, Event: ev, Inviter: Inviter{ID: inv.InviterID}}
		if m, err := r.GetMembership(ctx, ev.ID, inv.InviterID); err == nil {
			res.Inviter.Email = m.Email
		} else if !domain.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	if flipped {
		return Resolution{}, ErrExpired
	}
	return res, nil
}

// AcceptInput binds a token to the authenticated actor.
type AcceptInput struct {
	Actor domain.Actor
	Token string
}

// AcceptResult reports the membership the actor now holds. Joined is false
// when the actor was already a member and nothing was created.
type AcceptResult struct {
	Event      store.Event
	Membership store.Membership
	Joined     bool
}

// Accept admits the actor with the invitation's role. The actor's verified
// email must equal the invited email. Accepting again as the same member is
// a no-op that reports Joined=false.
func (s *Service) Accept(ctx context.Context, in AcceptInput) (AcceptResult, error) {
	const op = "invite.Accept"
	if err := domain.RequireActor(op, in.Actor); err != nil {
		return AcceptResult{}, err
	}
	actorEmail := domain.NormalizeEmail(in.Actor.Email)
	if actorEmail == "" {
		return AcceptResult{}, domain.Forbidden(op, "a verified email is required")
	}

	var (
		res      AcceptResult
		accepted bool
	)
	flipped, err := s.withToken(ctx, op, in.Token, func(ctx context.Context, r store.Repositories, inv store.Invitation, ev store.Event) error {
		res.Event = ev

		switch inv.Status {
		case store.InvitationPending:
		case store.InvitationAccepted:
			// Replayed accept from the member it already admitted.
			if domain.SameEmail(inv.Email, actorEmail) {
				if m, err := r.GetMembership(ctx, ev.ID, in.Actor.ID); err == nil {
					res.Membership = m
					return nil
				}
			}
			return errInvitationNotFound(op)
		default:
			return errInvitationNotFound(op)
		}

		if !domain.SameEmail(inv.Email, actorEmail) {
			return domain.Forbidden(op, "invitation was issued to a different email")
		}

		now := s.now().UTC()
		m, err := r.GetMembership(ctx, ev.ID, in.Actor.ID)
		switch {
		case err == nil:
			res.Membership = m
		case domain.IsNotFound(err):
			if other, err := r.FindMembershipByEmail(ctx, ev.ID, actorEmail); err == nil && other.ActorID != in.Actor.ID {
				return ErrAlreadyMember
			}
			m = store.Membership{
				EventID:   ev.ID,
				ActorID:   in.Actor.ID,
				Email:     actorEmail,
				Role:      inv.Role,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := r.InsertMembership(ctx, m); err != nil {
				return err
			}
			res.Membership = m
			res.Joined = true
		default:
			return err
		}

		if _, err := r.TransitionInvitation(ctx, inv.ID, store.InvitationPending, store.InvitationAccepted, now); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	if flipped {
		return AcceptResult{}, ErrExpired
	}

	if accepted {
		s.metrics.InvitationTransition(string(store.InvitationAccepted))
		s.log.Info("invite.accept", "event_id", res.Event.ID, "actor_id", in.Actor.ID, "joined", res.Joined)
	}
	if res.Joined {
		s.notify.ParticipantJoined(ctx, in.Actor.ID, res.Membership)
	}
	return res, nil
}

// Decline moves a pending invitation to declined. The token is the only
// credential; no membership is touched.
func (s *Service) Decline(ctx context.Context, tok string) error {
	const op = "invite.Decline"

	var declined store.Invitation
	flipped, err := s.withToken(ctx, op, tok, func(ctx context.Context, r store.Repositories, inv store.Invitation, _ store.Event) error {
		if inv.Status != store.InvitationPending {
			return errInvitationNotFound(op)
		}
		out, err := r.TransitionInvitation(ctx, inv.ID, store.InvitationPending, store.InvitationDeclined, s.now().UTC())
		if err != nil {
			return err
		}
		declined = out
		return nil
	})
	if err != nil {
		return err
	}
	if flipped {
		return ErrExpired
	}

	s.metrics.InvitationTransition(string(store.InvitationDeclined))
	s.log.Info("invite.decline", "event_id", declined.EventID, "invitation_id", declined.ID)
	s.notify.ParticipantDeclined(ctx, "", declined.EventID, declined.Email)
	return nil
}

// withToken runs fn under the invitation's event lock with the invitation
// evaluated for expiry. A stored expired status fails with ErrExpired. When
// this read discovers the expiry, the transition is committed, the notice is
// published, fn is skipped and flipped is true.
func (s *Service) withToken(
	ctx context.Context,
	op, tok string,
	fn func(ctx context.Context, r store.Repositories, inv store.Invitation, ev store.Event) error,
) (flipped bool, err error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return false, errInvitationNotFound(op)
	}
	hash := s.hasher.Hash(tok)

	found, err := s.store.GetInvitationByTokenHash(ctx, hash)
	if err != nil {
		return false, err
	}

	var expired store.Invitation
	err = s.store.WithinEvent(ctx, found.EventID, func(ctx context.Context, r store.Repositories) error {
		inv, err := r.GetInvitation(ctx, found.ID)
		if err != nil {
			return err
		}
		ev, err := r.GetEvent(ctx, inv.EventID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		evaluated, observed := Evaluate(inv, now)
		if observed == store.InvitationExpired {
			if inv.Status == store.InvitationExpired {
				return ErrExpired
			}
			out, err := r.TransitionInvitation(ctx, inv.ID, store.InvitationPending, store.InvitationExpired, now)
			if err != nil {
				return err
			}
			expired, flipped = out, true
			return nil
		}
		return fn(ctx, r, evaluated, ev)
	})
	if err != nil {
		return false, err
	}
	if flipped {
		s.expired(ctx, expired)
	}
	return flipped, nil
}

func (s *Service) expired(ctx context.Context, inv store.Invitation) {
	s.metrics.InvitationTransition(string(store.InvitationExpired))
	s.log.Info("invite.expire", "event_id", inv.EventID, "invitation_id", inv.ID)
	s.notify.InvitationExpired(ctx, "", inv)
}

// List returns the event's invitations for the owner, each evaluated for
// expiry. Discovered expiries are persisted and announced.
func (s *Service) List(ctx context.Context, actor domain.Actor, eventID string) ([]store.Invitation, error) {
	const op = "invite.List"
	if err := domain.RequireActor(op, actor); err != nil {
		return nil, err
	}

	var (
		out     []store.Invitation
		flipped []store.Invitation
	)
	err := s.store.WithinEvent(ctx, eventID, func(ctx context.Context, r store.Repositories) error {
		if _, err := r.GetEvent(ctx, eventID); err != nil {
			return err
		}
		if _, err := access.NewResolver(r).Authorize(ctx, op, eventID, actor.ID, access.ActionManage); err != nil {
			return err
		}
		invs, err := r.ListInvitations(ctx, eventID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		out = make([]store.Invitation, 0, len(invs))
		for _, inv := range invs {
			evaluated, observed := Evaluate(inv, now)
			if observed != inv.Status {
				persisted, err := r.TransitionInvitation(ctx, inv.ID, inv.Status, observed, now)
				if err != nil {
					return err
				}
				evaluated = persisted
				flipped = append(flipped, persisted)
			}
			out = append(out, evaluated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, inv := range flipped {
		s.expired(ctx, inv)
	}
	return out, nil
}

// Revoke deletes an invitation of the event (owner only) and announces it.
func (s *Service) Revoke(ctx context.Context, actor domain.Actor, eventID, invitationID string) error {
	const op = "invite.Revoke"
	if err := domain.RequireActor(op, actor); err != nil {
		return err
	}

	var revoked store.Invitation
	err := s.store.WithinEvent(ctx, eventID, func(ctx context.Context, r store.Repositories) error {
		if _, err := r.GetEvent(ctx, eventID); err != nil {
			return err
		}
		if _, err := access.NewResolver(r).Authorize(ctx, op, eventID, actor.ID, access.ActionManage); err != nil {
			return err
		}
		inv, err := r.GetInvitation(ctx, invitationID)
		if err != nil {
			return err
		}
		if inv.EventID != eventID {
			return errInvitationNotFound(op)
		}
		revoked, _ = Evaluate(inv, s.now().UTC())
		return r.DeleteInvitation(ctx, inv.ID)
	})
	if err != nil {
		return err
	}

	s.log.Info("invite.revoke", "event_id", eventID, "invitation_id", invitationID, "actor_id", actor.ID)
	s.notify.InvitationRevoked(ctx, actor.ID, revoked)
	return nil
}
