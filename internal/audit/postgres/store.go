package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxgate/internal/audit"
)

var _ audit.Store = (*Store)(nil)

// Store writes turns into the voice_turns table. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// RecordTurn implements [audit.Store].
func (s *Store) RecordTurn(ctx context.Context, t audit.Turn) error {
	const q = `
		INSERT INTO voice_turns
		    (session_id, remote_addr, started_at, ended_at, utterance_path, frames,
		     end_reason, transcript, reply, response_path, provider, status, error,
		     pipeline_duration_ns, packets_sent, aborted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.pool.Exec(ctx, q,
		t.SessionID,
		t.RemoteAddr,
		t.StartedAt,
		t.EndedAt,
		t.UtterancePath,
		t.Frames,
		t.EndReason,
		t.Transcript,
		t.Reply,
		t.ResponsePath,
		t.Provider,
		t.Status,
		t.Error,
		t.PipelineDuration.Nanoseconds(),
		t.PacketsSent,
		t.Aborted,
	)
	if err != nil {
		return fmt.Errorf("audit store: record turn: %w", err)
	}
	return nil
}

// Turns returns the turns recorded for sessionID, oldest first.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]audit.Turn, error) {
	const q = `
		SELECT session_id, remote_addr, started_at, ended_at, utterance_path, frames,
		       end_reason, transcript, reply, response_path, provider, status, error,
		       pipeline_duration_ns, packets_sent, aborted
		FROM   voice_turns
		WHERE  session_id = $1
		ORDER  BY started_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit store: turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Turn, error) {
		var (
			t          audit.Turn
			durationNS int64
		)
		if err := row.Scan(
			&t.SessionID,
			&t.RemoteAddr,
			&t.StartedAt,
			&t.EndedAt,
			&t.UtterancePath,
			&t.Frames,
			&t.EndReason,
			&t.Transcript,
			&t.Reply,
			&t.ResponsePath,
			&t.Provider,
			&t.Status,
			&t.Error,
			&durationNS,
			&t.PacketsSent,
			&t.Aborted,
		); err != nil {
			return audit.Turn{}, err
		}
		t.PipelineDuration = time.Duration(durationNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: scan rows: %w", err)
	}
	return turns, nil
}

// Ping implements [audit.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
