package casestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/session"
	"github.com/MrWong99/fixline/pkg/live"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps cases in PostgreSQL. A case spans three tables: the
// case row, its transcript entries and its recordings. Saving a case writes
// all three in one transaction.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, checks the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("case store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("case store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("case store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveCase implements [session.CaseStore]. Saving an existing ID replaces
// the stored case.
func (s *PostgresStore) SaveCase(ctx context.Context, c session.Case) (string, error) {
	ctx, span := observe.StartSpan(ctx, "case_store.save")
	var err error
	defer func() { observe.EndSpan(span, err) }()

	if c.ID == "" {
		err = errors.New("case store: save case: empty case id")
		return "", err
	}
	summary, err := json.Marshal(c.Summary)
	if err != nil {
		err = fmt.Errorf("case store: marshal summary: %w", err)
		return "", err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO cases
			    (id, session_id, user_id, mode, started_at, ended_at, end_reason, summary, remote_summary, photo_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
			    session_id = EXCLUDED.session_id,
			    user_id = EXCLUDED.user_id,
			    mode = EXCLUDED.mode,
			    started_at = EXCLUDED.started_at,
			    ended_at = EXCLUDED.ended_at,
			    end_reason = EXCLUDED.end_reason,
			    summary = EXCLUDED.summary,
			    remote_summary = EXCLUDED.remote_summary,
			    photo_count = EXCLUDED.photo_count`
		if _, err := tx.Exec(ctx, upsert,
			c.ID, c.SessionID, c.UserID, string(c.Mode), c.StartedAt, c.EndedAt,
			string(c.EndReason), summary, c.RemoteSummary, c.PhotoCount,
		); err != nil {
			return fmt.Errorf("upsert case: %w", err)
		}
		for _, table := range []string{"case_entries", "case_recordings"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE case_id = $1", c.ID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if rows := entryRows(c); len(rows) > 0 {
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"case_entries"},
				[]string{"case_id", "seq", "role", "text", "timestamp"}, pgx.CopyFromRows(rows)); err != nil {
				return fmt.Errorf("copy entries: %w", err)
			}
		}
		if rows := recordingRows(c); len(rows) > 0 {
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"case_recordings"},
				[]string{"case_id", "seq", "kind", "mime_type", "data", "created_at"}, pgx.CopyFromRows(rows)); err != nil {
				return fmt.Errorf("copy recordings: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("case store: save case: %w", err)
		return "", err
	}
	return c.ID, nil
}

// GetCase implements [Store].
func (s *PostgresStore) GetCase(ctx context.Context, id string) (session.Case, error) {
	const qCase = `
		SELECT id, session_id, user_id, mode, started_at, ended_at, end_reason, summary, remote_summary, photo_count
		FROM   cases
		WHERE  id = $1`

	var (
		c       session.Case
		mode    string
		reason  string
		summary []byte
	)
	err := s.pool.QueryRow(ctx, qCase, id).Scan(
		&c.ID, &c.SessionID, &c.UserID, &mode, &c.StartedAt, &c.EndedAt,
		&reason, &summary, &c.RemoteSummary, &c.PhotoCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Case{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return session.Case{}, fmt.Errorf("case store: get case: %w", err)
	}
	c.Mode = live.Mode(mode)
	c.EndReason = session.EndReason(reason)
	if err := json.Unmarshal(summary, &c.Summary); err != nil {
		return session.Case{}, fmt.Errorf("case store: decode summary: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, text, timestamp FROM case_entries WHERE case_id = $1 ORDER BY seq`, id)
	if err != nil {
		return session.Case{}, fmt.Errorf("case store: get entries: %w", err)
	}
	c.Transcript, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Entry, error) {
		var (
			e    session.Entry
			role string
		)
		err := row.Scan(&role, &e.Text, &e.Timestamp)
		e.Role = session.Role(role)
		return e, err
	})
	if err != nil {
		return session.Case{}, fmt.Errorf("case store: scan entries: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT kind, mime_type, data, created_at FROM case_recordings WHERE case_id = $1 ORDER BY seq`, id)
	if err != nil {
		return session.Case{}, fmt.Errorf("case store: get recordings: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Recording, error) {
		var r session.Recording
		err := row.Scan(&r.Kind, &r.MIMEType, &r.Data, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return session.Case{}, fmt.Errorf("case store: scan recordings: %w", err)
	}
	if len(recs) > 0 {
		c.Recordings = recs
	}
	return c, nil
}

// ListCases implements [Store]. A non-empty Query matches transcript text
// with PostgreSQL full-text search.
func (s *PostgresStore) ListCases(ctx context.Context, opts ListOpts) ([]CaseRef, error) {
	q, args := listQuery(opts)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("case store: list cases: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CaseRef, error) {
		var (
			r            CaseRef
			mode, reason string
		)
		err := row.Scan(&r.ID, &r.SessionID, &r.UserID, &mode, &r.EndedAt, &reason, &r.Issue)
		r.Mode = live.Mode(mode)
		r.EndReason = session.EndReason(reason)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("case store: scan cases: %w", err)
	}
	if refs == nil {
		refs = []CaseRef{}
	}
	return refs, nil
}

// listQuery builds the ListCases statement and its positional arguments.
func listQuery(opts ListOpts) (string, []any) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if opts.UserID != "" {
		conditions = append(conditions, "c.user_id = "+next(opts.UserID))
	}
	if opts.Query != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM case_entries e WHERE e.case_id = c.id "+
			"AND to_tsvector('english', e.text) @@ plainto_tsquery('english', "+next(opts.Query)+"))")
	}

	q := "SELECT c.id, c.session_id, c.user_id, c.mode, c.ended_at, c.end_reason, COALESCE(c.summary->>'issue', '')\n" +
		"FROM   cases c\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY c.ended_at DESC\nLIMIT  " + next(opts.limit())
	return q, args
}

// entryRows returns the transcript as case_entries copy rows.
func entryRows(c session.Case) [][]any {
	rows := make([][]any, 0, len(c.Transcript))
	for i, e := range c.Transcript {
		rows = append(rows, []any{c.ID, i, string(e.Role), e.Text, e.Timestamp})
	}
	return rows
}

// recordingRows returns the recordings as case_recordings copy rows.
func recordingRows(c session.Case) [][]any {
	rows := make([][]any, 0, len(c.Recordings))
	for i, r := range c.Recordings {
		rows = append(rows, []any{c.ID, i, r.Kind, r.MIMEType, r.Data, r.CreatedAt})
	}
	return rows
}
