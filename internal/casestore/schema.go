package casestore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCases = `
CREATE TABLE IF NOT EXISTS cases (
    id              TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    user_id         TEXT         NOT NULL DEFAULT '',
    mode            TEXT         NOT NULL,
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ  NOT NULL,
    end_reason      TEXT         NOT NULL,
    summary         JSONB        NOT NULL DEFAULT '{}',
    remote_summary  TEXT         NOT NULL DEFAULT '',
    photo_count     INTEGER      NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cases_user_id  ON cases (user_id);
CREATE INDEX IF NOT EXISTS idx_cases_ended_at ON cases (ended_at);
`

const ddlCaseEntries = `
CREATE TABLE IF NOT EXISTS case_entries (
    case_id    TEXT         NOT NULL REFERENCES cases (id) ON DELETE CASCADE,
    seq        INTEGER      NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (case_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_case_entries_fts
    ON case_entries USING GIN (to_tsvector('english', text));
`

const ddlCaseRecordings = `
CREATE TABLE IF NOT EXISTS case_recordings (
    case_id     TEXT         NOT NULL REFERENCES cases (id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    kind        TEXT         NOT NULL,
    mime_type   TEXT         NOT NULL,
    data        BYTEA        NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (case_id, seq)
);
`

// Migrate creates the case tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCases, ddlCaseEntries, ddlCaseRecordings} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("case store: migrate: %w", err)
		}
	}
	return nil
}
