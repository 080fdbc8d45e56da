// Package audit keeps a log of completed voice turns.
//
// Every utterance that reaches the pipeline produces one [Turn] describing
// what was captured, what the pipeline returned and how much of the response
// reached the client. The log is informational: a failing [Store] is logged
// by the caller and never affects the session.
package audit

import (
	"context"
	"sync"
	"time"
)

// Turn statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

// Turn is one utterance and its response.
type Turn struct {
	SessionID  string
	RemoteAddr string

	// StartedAt is when the utterance was finalized; EndedAt is when the
	// response stream finished or the turn failed.
	StartedAt time.Time
	EndedAt   time.Time

	UtterancePath string
	Frames        int
	EndReason     string

	// Transcript and Reply are the intermediate texts when the pipeline
	// exposes them.
	Transcript string
	Reply      string

	ResponsePath     string
	Provider         string
	Status           string
	Error            string
	PipelineDuration time.Duration

	PacketsSent int
	Aborted     bool
}

// Store persists turns. Implementations must be safe for concurrent use.
type Store interface {
	RecordTurn(ctx context.Context, t Turn) error

	// Ping reports whether the store can accept writes.
	Ping(ctx context.Context) error

	Close()
}

// MemStore is an in-memory [Store] that keeps the most recent turns.
type MemStore struct {
	mu    sync.Mutex
	max   int
	turns []Turn
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a MemStore keeping at most max turns. max <= 0 keeps
// everything.
func NewMemStore(max int) *MemStore {
	return &MemStore{max: max}
}

// RecordTurn appends t, evicting the oldest turn when full.
func (s *MemStore) RecordTurn(_ context.Context, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max > 0 && len(s.turns) >= s.max {
		copy(s.turns, s.turns[1:])
		s.turns = s.turns[:len(s.turns)-1]
	}
	s.turns = append(s.turns, t)
	return nil
}

// Turns returns the recorded turns for sessionID, oldest first. An empty
// sessionID returns all turns.
func (s *MemStore) Turns(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		if sessionID == "" || t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// Ping always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemStore) Close() {}
