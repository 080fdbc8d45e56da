// Package postgres provides a PostgreSQL-backed [audit.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.RecordTurn(ctx, turn)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS voice_turns (
    id                   BIGSERIAL    PRIMARY KEY,
    session_id           TEXT         NOT NULL,
    remote_addr          TEXT         NOT NULL DEFAULT '',
    started_at           TIMESTAMPTZ  NOT NULL,
    ended_at             TIMESTAMPTZ  NOT NULL,
    utterance_path       TEXT         NOT NULL DEFAULT '',
    frames               INTEGER      NOT NULL DEFAULT 0,
    end_reason           TEXT         NOT NULL DEFAULT '',
    transcript           TEXT         NOT NULL DEFAULT '',
    reply                TEXT         NOT NULL DEFAULT '',
    response_path        TEXT         NOT NULL DEFAULT '',
    provider             TEXT         NOT NULL DEFAULT '',
    status               TEXT         NOT NULL,
    error                TEXT         NOT NULL DEFAULT '',
    pipeline_duration_ns BIGINT       NOT NULL DEFAULT 0,
    packets_sent         INTEGER      NOT NULL DEFAULT 0,
    aborted              BOOLEAN      NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_voice_turns_session_started
    ON voice_turns (session_id, started_at);

CREATE INDEX IF NOT EXISTS idx_voice_turns_status
    ON voice_turns (status);
`

// Migrate creates the voice_turns table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
