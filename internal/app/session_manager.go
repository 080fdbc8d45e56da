package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/transport"
	"github.com/MrWong99/voxgate/pkg/transport/ws"
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// ID is the session identifier used in logs and audit records.
	ID string `json:"id"`

	// RemoteAddr is the peer address of the WebSocket connection.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the connection was upgraded.
	StartedAt time.Time `json:"started_at"`
}

type tracked struct {
	info SessionInfo
	conn transport.Conn
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Session is the configuration applied to new sessions.
	Session session.Config

	// Deps are shared by all sessions. Deps.Recorder is required.
	Deps session.Deps

	// Accept configures the WebSocket upgrade.
	Accept ws.AcceptOptions

	// MaxSessions caps concurrent sessions. 0 is unbounded.
	MaxSessions int
}

// SessionManager upgrades WebSocket requests and runs one [session.Session]
// per connection. Any number of sessions may run at once; they share only
// the classifier engine, the pipeline and the recorder. All exported methods
// are safe for concurrent use.
type SessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	accept ws.AcceptOptions
	max    int

	mu       sync.Mutex
	cfg      session.Config
	deps     session.Deps
	reserved int
	active   map[string]tracked
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Deps.Metrics == nil {
		cfg.Deps.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		ctx:    ctx,
		cancel: cancel,
		accept: cfg.Accept,
		max:    cfg.MaxSessions,
		cfg:    cfg.Session,
		deps:   cfg.Deps,
		active: make(map[string]tracked),
	}
}

// ServeHTTP upgrades the request and serves the session until it ends.
func (sm *SessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	cfg, deps, rej := sm.reserve()
	if rej != nil {
		deps.Metrics.RecordRejected(r.Context(), rej.reason)
		log.Warn("rejecting voice session", "reason", rej.reason, "remote", r.RemoteAddr)
		http.Error(w, rej.msg, http.StatusServiceUnavailable)
		return
	}
	defer sm.release()

	conn, err := ws.Accept(w, r, sm.accept)
	if err != nil {
		// Accept has already answered the request.
		log.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	sess, err := session.New(conn, cfg, deps)
	if err != nil {
		log.Error("cannot create session", "err", err)
		_ = conn.Close(transport.StatusInternalError, "internal error")
		return
	}

	info := SessionInfo{ID: sess.ID(), RemoteAddr: conn.RemoteAddr(), StartedAt: time.Now().UTC()}
	if !sm.track(info, conn) {
		_ = conn.Close(transport.StatusGoingAway, "server shutting down")
		return
	}
	defer sm.untrack(info.ID)

	log = log.With("session_id", info.ID, "remote", info.RemoteAddr)
	log.Info("session started")

	// Keep request values for tracing but end with the manager, not the
	// hijacked request.
	ctx, stop := context.WithCancel(context.WithoutCancel(r.Context()))
	defer stop()
	unlink := context.AfterFunc(sm.ctx, stop)
	defer unlink()

	if err := sess.Run(ctx); err != nil {
		log.Warn("session ended with error", "err", err, "duration", time.Since(info.StartedAt))
		return
	}
	log.Info("session ended", "duration", time.Since(info.StartedAt))
}

type rejection struct {
	reason string
	msg    string
}

// reserve claims a session slot and snapshots the current configuration.
func (sm *SessionManager) reserve() (session.Config, session.Deps, *rejection) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	switch {
	case sm.closed:
		return sm.cfg, sm.deps, &rejection{reason: "shutdown", msg: "server is shutting down"}
	case sm.max > 0 && sm.reserved >= sm.max:
		return sm.cfg, sm.deps, &rejection{reason: "capacity", msg: fmt.Sprintf("session limit of %d reached", sm.max)}
	}
	sm.reserved++
	sm.wg.Add(1)
	return sm.cfg, sm.deps, nil
}

func (sm *SessionManager) release() {
	sm.mu.Lock()
	sm.reserved--
	sm.mu.Unlock()
	sm.wg.Done()
}

// track registers a running session. It reports false once Close has begun.
func (sm *SessionManager) track(info SessionInfo, conn transport.Conn) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return false
	}
	sm.active[info.ID] = tracked{info: info, conn: conn}
	return true
}

func (sm *SessionManager) untrack(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.active, id)
}

// Sessions returns the active sessions ordered by start time.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.active))
	for _, t := range sm.active {
		out = append(out, t.info)
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// Update replaces the configuration used for sessions started from now on.
// Running sessions keep the configuration they started with.
func (sm *SessionManager) Update(cfg session.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cfg.Frame.SampleRate != sm.cfg.Frame.SampleRate {
		sm.deps.Recorder = session.NewRecorder(sm.deps.Recorder.Dir(), cfg.Frame.SampleRate)
	}
	sm.cfg = cfg
	slog.Info("session configuration updated",
		"threshold", cfg.Endpoint.Threshold,
		"trigger_frames", cfg.Endpoint.TriggerFrames,
		"silence_frames_end", cfg.Endpoint.SilenceFramesEnd,
		"pre_roll_frames", cfg.Endpoint.PreRollFrames,
		"packet_samples", cfg.PacketSamples,
	)
}

// Close stops accepting sessions, closes the running ones with status 1001
// and waits for their handlers to return. It returns an error wrapping
// ctx.Err() if ctx expires first.
func (sm *SessionManager) Close(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	conns := make([]transport.Conn, 0, len(sm.active))
	for _, t := range sm.active {
		conns = append(conns, t.conn)
	}
	sm.mu.Unlock()

	if len(conns) > 0 {
		slog.Info("closing voice sessions", "count", len(conns))
	}
	// Each close waits for the peer's handshake.
	for _, c := range conns {
		go func() { _ = c.Close(transport.StatusGoingAway, "server shutting down") }()
	}
	defer sm.cancel()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: waiting for sessions: %w", ctx.Err())
	}
}
