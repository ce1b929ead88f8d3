package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/access"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - WithinEvent opens a READ COMMITTED transaction and takes a transactional
//     advisory lock keyed by the event id, so every collaboration mutation of one
//     event is serialized across processes.
//   - UpdateEventIfVersion is additionally a single conditional UPDATE, so the
//     compare-and-increment holds even for callers outside WithinEvent.
type PostgresStore struct {
	pgRepos

	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tandem").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	st.pgRepos = pgRepos{q: pool, t: newTables(st.schema)}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateEvent inserts the event and owner membership in one transaction.
func (s *PostgresStore) CreateEvent(ctx context.Context, ev Event, owner Membership) (Event, error) {
	if s == nil || s.pool == nil {
		return Event{}, errNilStore
	}
	if ev.ID == "" || owner.ActorID == "" || owner.EventID != ev.ID || owner.Role != access.RoleOwner {
		return Event{}, domain.Invalid("store.CreateEvent", "event id and owner membership required")
	}

	var out Event
	err := s.inTx(ctx, func(r pgRepos) error {
		linkKind, linkID := linkColumns(ev.Link)
		row := r.q.QueryRow(ctx,
			`INSERT INTO `+r.t.events+` (
			     id, owner_id, title, description, ai_source, ai_summary,
			     start_at, end_at, color, status, link_kind, link_id, version, created_at, updated_at
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 RETURNING `+eventColumns,
			ev.ID, ev.OwnerID, ev.Title, ev.Description, ev.AISource, ev.AISummary,
			ev.StartAt, ev.EndAt, string(ev.Color), string(ev.Status), linkKind, linkID,
			ev.Version, ev.CreatedAt, ev.UpdatedAt,
		)
		created, err := scanEvent(row)
		if err != nil {
			return mapWriteErr("store.CreateEvent", err)
		}
		if err := r.InsertMembership(ctx, owner); err != nil {
			return err
		}
		out = created
		return nil
	})
	return out, err
}

// WithinEvent runs fn in a transaction holding the event's advisory lock.
func (s *PostgresStore) WithinEvent(ctx context.Context, eventID string, fn func(ctx context.Context, r Repositories) error) error {
	if s == nil || s.pool == nil {
		return errNilStore
	}
	return s.inTx(ctx, func(r pgRepos) error {
		// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
		if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "event:"+eventID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		return fn(ctx, r)
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(r pgRepos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(pgRepos{q: tx, t: s.t}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tables struct {
	events      string
	memberships string
	invitations string
}

func newTables(schema string) tables {
	return tables{
		events:      pgIdent(schema, "events"),
		memberships: pgIdent(schema, "memberships"),
		invitations: pgIdent(schema, "invitations"),
	}
}

// pgRepos implements Repositories against either the pool or a transaction.
type pgRepos struct {
	q querier
	t tables
}

var _ Repositories = pgRepos{}

const eventColumns = `id, seq, owner_id, title, description, ai_source, ai_summary,
	start_at, end_at, color, status, link_kind, link_id, version, created_at, updated_at`

const membershipColumns = `event_id, actor_id, email, role, created_at, updated_at`

const invitationColumns = `id, event_id, inviter_id, email, role, token_hash, status, expires_at, created_at, updated_at`

// ---- events ----

func (r pgRepos) GetEvent(ctx context.Context, id string) (Event, error) {
	ev, err := scanEvent(r.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM `+r.t.events+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, notFound("store.GetEvent", "event")
	}
	return ev, err
}

func (r pgRepos) ListEventsForActor(ctx context.Context, actorID string) ([]Event, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+prefixed("e", eventColumns)+`
		   FROM `+r.t.events+` e
		   JOIN `+r.t.memberships+` m ON m.event_id = e.id
		  WHERE m.actor_id = $1
		  ORDER BY e.start_at ASC, e.seq ASC`,
		actorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r pgRepos) UpdateEventIfVersion(ctx context.Context, ev Event, expected int64) (Event, error) {
	linkKind, linkID := linkColumns(ev.Link)
	out, err := scanEvent(r.q.QueryRow(ctx,
		`UPDATE `+r.t.events+`
		    SET title = $3,
		        description = $4,
		        ai_source = $5,
		        ai_summary = $6,
		        start_at = $7,
		        end_at = $8,
		        color = $9,
		        status = $10,
		        link_kind = $11,
		        link_id = $12,
		        updated_at = $13,
		        version = version + 1
		  WHERE id = $1 AND version = $2
		RETURNING `+eventColumns,
		ev.ID, expected,
		ev.Title, ev.Description, ev.AISource, ev.AISummary,
		ev.StartAt, ev.EndAt, string(ev.Color), string(ev.Status), linkKind, linkID,
		ev.UpdatedAt,
	))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Event{}, mapWriteErr("store.UpdateEventIfVersion", err)
	}

	// Distinguish not-found vs version mismatch.
	var version int64
	selErr := r.q.QueryRow(ctx, `SELECT version FROM `+r.t.events+` WHERE id = $1`, ev.ID).Scan(&version)
	if errors.Is(selErr, pgx.ErrNoRows) {
		return Event{}, notFound("store.UpdateEventIfVersion", "event")
	}
	if selErr != nil {
		return Event{}, selErr
	}
	return Event{}, ErrVersionMismatch
}

func (r pgRepos) DeleteEvent(ctx context.Context, id string) error {
	// memberships and invitations cascade.
	tag, err := r.q.Exec(ctx, `DELETE FROM `+r.t.events+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("store.DeleteEvent", "event")
	}
	return nil
}

// ---- memberships ----

func (r pgRepos) MembershipRole(ctx context.Context, eventID, actorID string) (access.Role, error) {
	var role string
	err := r.q.QueryRow(ctx,
		`SELECT role FROM `+r.t.memberships+` WHERE event_id = $1 AND actor_id = $2`,
		eventID, actorID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.RoleNone, notFound("store.MembershipRole", "membership")
	}
	if err != nil {
		return access.RoleNone, err
	}
	return access.Role(role), nil
}

func (r pgRepos) GetMembership(ctx context.Context, eventID, actorID string) (Membership, error) {
	m, err := scanMembership(r.q.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM `+r.t.memberships+` WHERE event_id = $1 AND actor_id = $2`,
		eventID, actorID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, notFound("store.GetMembership", "membership")
	}
	return m, err
}

func (r pgRepos) ListMemberships(ctx context.Context, eventID string) ([]Membership, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+membershipColumns+` FROM `+r.t.memberships+`
		  WHERE event_id = $1
		  ORDER BY CASE role WHEN 'owner' THEN 0 WHEN 'editor' THEN 1 ELSE 2 END, created_at ASC, actor_id ASC`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r pgRepos) FindMembershipByEmail(ctx context.Context, eventID, email string) (Membership, error) {
	m, err := scanMembership(r.q.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM `+r.t.memberships+`
		  WHERE event_id = $1 AND lower(email) = $2
		  LIMIT 1`,
		eventID, domain.NormalizeEmail(email),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, notFound("store.FindMembershipByEmail", "membership")
	}
	return m, err
}

func (r pgRepos) InsertMembership(ctx context.Context, m Membership) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO `+r.t.memberships+` (`+membershipColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.EventID, m.ActorID, m.Email, string(m.Role), m.CreatedAt, m.UpdatedAt,
	)
	return mapWriteErr("store.InsertMembership", err)
}

func (r pgRepos) UpdateMembershipRole(ctx context.Context, eventID, actorID string, role access.Role, now time.Time) (Membership, error) {
	m, err := scanMembership(r.q.QueryRow(ctx,
		`UPDATE `+r.t.memberships+`
		    SET role = $3, updated_at = $4
		  WHERE event_id = $1 AND actor_id = $2
		RETURNING `+membershipColumns,
		eventID, actorID, string(role), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, notFound("store.UpdateMembershipRole", "membership")
	}
	if err != nil {
		return Membership{}, mapWriteErr("store.UpdateMembershipRole", err)
	}
	return m, nil
}

func (r pgRepos) DeleteMembership(ctx context.Context, eventID, actorID string) error {
	tag, err := r.q.Exec(ctx,
		`DELETE FROM `+r.t.memberships+` WHERE event_id = $1 AND actor_id = $2`,
		eventID, actorID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("store.DeleteMembership", "membership")
	}
	return nil
}

// ---- invitations ----

func (r pgRepos) GetInvitation(ctx context.Context, id string) (Invitation, error) {
	inv, err := scanInvitation(r.q.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM `+r.t.invitations+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, notFound("store.GetInvitation", "invitation")
	}
	return inv, err
}

func (r pgRepos) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	inv, err := scanInvitation(r.q.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM `+r.t.invitations+` WHERE token_hash = $1`,
		strings.TrimSpace(tokenHash),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, notFound("store.GetInvitationByTokenHash", "invitation")
	}
	return inv, err
}

func (r pgRepos) ListInvitations(ctx context.Context, eventID string) ([]Invitation, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+invitationColumns+` FROM `+r.t.invitations+` WHERE event_id = $1 ORDER BY id ASC`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Invitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r pgRepos) FindPendingInvitation(ctx context.Context, eventID, email string) (Invitation, error) {
	inv, err := scanInvitation(r.q.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM `+r.t.invitations+`
		  WHERE event_id = $1 AND email = $2 AND status = 'pending'`,
		eventID, domain.NormalizeEmail(email),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, notFound("store.FindPendingInvitation", "invitation")
	}
	return inv, err
}

func (r pgRepos) InsertInvitation(ctx context.Context, inv Invitation) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO `+r.t.invitations+` (`+invitationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.EventID, inv.InviterID, domain.NormalizeEmail(inv.Email), string(inv.Role),
		inv.TokenHash, string(inv.Status), inv.ExpiresAt, inv.CreatedAt, inv.UpdatedAt,
	)
	return mapWriteErr("store.InsertInvitation", err)
}

func (r pgRepos) TransitionInvitation(ctx context.Context, id string, from, to InvitationStatus, now time.Time) (Invitation, error) {
	inv, err := scanInvitation(r.q.QueryRow(ctx,
		`UPDATE `+r.t.invitations+`
		    SET status = $3, updated_at = $4
		  WHERE id = $1 AND status = $2
		RETURNING `+invitationColumns,
		id, string(from), string(to), now,
	))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, err
	}

	if _, selErr := r.GetInvitation(ctx, id); selErr != nil {
		return Invitation{}, selErr
	}
	return Invitation{}, ErrStatusMismatch
}

func (r pgRepos) DeleteInvitation(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM `+r.t.invitations+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("store.DeleteInvitation", "invitation")
	}
	return nil
}

func (r pgRepos) DeleteInvitationsForEmail(ctx context.Context, eventID, email string) (int64, error) {
	tag, err := r.q.Exec(ctx,
		`DELETE FROM `+r.t.invitations+` WHERE event_id = $1 AND email = $2`,
		eventID, domain.NormalizeEmail(email),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- scanning ----

func scanEvent(row pgx.Row) (Event, error) {
	var (
		ev       Event
		color    string
		status   string
		linkKind *string
		linkID   *string
	)
	err := row.Scan(
		&ev.ID, &ev.Seq, &ev.OwnerID, &ev.Title, &ev.Description, &ev.AISource, &ev.AISummary,
		&ev.StartAt, &ev.EndAt, &color, &status, &linkKind, &linkID, &ev.Version, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return Event{}, err
	}
	ev.Color = Color(color)
	ev.Status = EventStatus(status)
	if linkKind != nil && linkID != nil {
		ev.Link = &Link{Kind: LinkKind(*linkKind), ID: *linkID}
	}
	return ev, nil
}

func scanMembership(row pgx.Row) (Membership, error) {
	var (
		m    Membership
		role string
	)
	if err := row.Scan(&m.EventID, &m.ActorID, &m.Email, &role, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Membership{}, err
	}
	m.Role = access.Role(role)
	return m, nil
}

func scanInvitation(row pgx.Row) (Invitation, error) {
	var (
		inv    Invitation
		role   string
		status string
	)
	err := row.Scan(
		&inv.ID, &inv.EventID, &inv.InviterID, &inv.Email, &role,
		&inv.TokenHash, &status, &inv.ExpiresAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return Invitation{}, err
	}
	inv.Role = access.Role(role)
	inv.Status = InvitationStatus(status)
	return inv, nil
}

func linkColumns(l *Link) (*string, *string) {
	if l == nil {
		return nil, nil
	}
	kind, id := string(l.Kind), l.ID
	return &kind, &id
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// mapWriteErr translates constraint violations into store errors.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrDuplicate
		case "23503": // foreign_key_violation
			return notFound(op, "event")
		case "23514": // check_violation
			return domain.Invalid(op, pgErr.ConstraintName)
		}
	}
	return err
}
