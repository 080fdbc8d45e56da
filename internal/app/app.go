// Package app wires all voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and WebSocket traffic, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithAuditStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxgate/internal/audit"
	"github.com/MrWong99/voxgate/internal/audit/postgres"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/transport/ws"
)

// Providers holds the classifier engine and the pipeline. Populated by
// main.go via the config registry.
type Providers struct {
	VAD      vad.Engine
	Pipeline pipeline.Provider
}

// availability is implemented by pipelines guarded by circuit breakers.
type availability interface {
	Available() bool
}

// breakerReporter is implemented by pipelines that expose breaker states.
type breakerReporter interface {
	Breakers() map[string]resilience.State
}

// App owns all subsystem lifetimes and serves the voice endpoint.
type App struct {
	cfgMu     sync.Mutex
	cfg       *config.Config
	providers *Providers

	audit          audit.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	streamerOpts   []session.StreamerOption

	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler

	srvMu  sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAuditStore injects a turn log instead of creating one from config.
func WithAuditStore(s audit.Store) Option {
	return func(a *App) { a.audit = s }
}

// WithMetrics injects the metric instruments used by sessions and HTTP.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at telemetry.metrics_path.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithStreamerOptions passes options to every session's response streamer.
func WithStreamerOptions(opts ...session.StreamerOption) Option {
	return func(a *App) { a.streamerOpts = append(a.streamerOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil {
		return nil, errors.New("app: a classifier engine is required")
	}
	if providers.Pipeline == nil {
		return nil, errors.New("app: a pipeline is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Turn log ──────────────────────────────────────────────────────
	if err := a.initAudit(ctx); err != nil {
		return nil, fmt.Errorf("app: init audit: %w", err)
	}

	// ── 2. Sessions ──────────────────────────────────────────────────────
	a.initSessions()

	// ── 3. Probes ────────────────────────────────────────────────────────
	a.initHealth()

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.initRoutes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAudit opens the PostgreSQL turn log or falls back to memory.
func (a *App) initAudit(ctx context.Context) error {
	if a.audit != nil {
		return nil
	}
	if dsn := a.cfg.Audit.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.audit = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("audit log connected", "backend", "postgres")
		return nil
	}
	a.audit = audit.NewMemStore(a.cfg.Audit.MemoryTurns)
	slog.Info("audit log in memory", "max_turns", a.cfg.Audit.MemoryTurns)
	return nil
}

// initSessions builds the session manager and its shared dependencies.
func (a *App) initSessions() {
	var limiter *semaphore.Weighted
	if n := a.cfg.Pipeline.MaxConcurrent; n > 0 {
		limiter = semaphore.NewWeighted(int64(n))
	}
	sessCfg := SessionConfig(a.cfg)
	a.sessions = NewSessionManager(SessionManagerConfig{
		Session: sessCfg,
		Deps: session.Deps{
			Engine:          a.providers.VAD,
			Pipeline:        a.providers.Pipeline,
			PipelineName:    a.cfg.Providers.Pipeline.Name,
			Recorder:        session.NewRecorder(a.cfg.Storage.RecordingsDir, sessCfg.Frame.SampleRate),
			Limiter:         limiter,
			Audit:           a.audit,
			Metrics:         a.metrics,
			StreamerOptions: a.streamerOpts,
		},
		Accept: ws.AcceptOptions{
			ReadLimit:      a.cfg.Server.ReadLimitBytes,
			OriginPatterns: a.cfg.Server.AllowedOrigins,
		},
		MaxSessions: a.cfg.Server.MaxSessions,
	})
}

// initHealth registers a readiness check per dependency that can report one.
func (a *App) initHealth() {
	checkers := []health.Checker{health.PingChecker("audit", a.audit)}
	if p, ok := a.providers.VAD.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("classifier", p))
	}
	if p, ok := a.providers.Pipeline.(availability); ok {
		checkers = append(checkers, health.AvailableChecker("pipeline", "all pipeline backends are unavailable", p.Available))
	}
	a.health = health.New(checkers...)
}

// initRoutes builds the HTTP handler.
func (a *App) initRoutes() {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET "+a.cfg.Server.WSPath, a.sessions)
	mux.HandleFunc("GET /sessions", a.listSessions)
	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// SessionConfig derives the per-session configuration from cfg.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Frame:           cfg.Endpointing.FrameSpec(),
		Endpoint:        cfg.Endpointing.Machine(),
		PacketSamples:   cfg.Response.PacketSamples,
		DisablePacing:   cfg.Response.DisablePacing,
		PipelineTimeout: cfg.Pipeline.Timeout,
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// config returns the current configuration.
func (a *App) config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Handler returns the root HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

type sessionsResponse struct {
	Count    int               `json:"count"`
	Sessions []SessionInfo     `json:"sessions"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// listSessions reports the active sessions and pipeline breaker states.
func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	res := sessionsResponse{Sessions: a.sessions.Sessions()}
	res.Count = len(res.Sessions)
	if b, ok := a.providers.Pipeline.(breakerReporter); ok {
		res.Breakers = make(map[string]string)
		for name, st := range b.Breakers() {
			res.Breakers[name] = st.String()
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Warn("encode sessions response", "err", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next. Sections that need a
// restart are logged and ignored.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	d := config.Diff(a.cfg, next)
	if d.EndpointingChanged || d.ResponseChanged {
		merged := *a.cfg
		merged.Endpointing = next.Endpointing
		merged.Response = next.Response
		a.sessions.Update(SessionConfig(&merged))
		a.cfg = &merged
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx is cancelled. It
// returns ctx.Err() on cancellation or the listener error otherwise.
func (a *App) Run(ctx context.Context) error {
	addr := a.config().Server.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. Call Shutdown afterwards.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.config()
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	a.srvMu.Lock()
	a.server = srv
	a.srvMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("voice server listening",
		"addr", ln.Addr().String(),
		"ws_path", cfg.Server.WSPath,
		"tls", cfg.Server.TLS != nil,
	)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server not ready, stops accepting connections, ends
// all sessions and runs the closers. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.health.SetDraining()

		a.srvMu.Lock()
		srv := a.server
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = err
			}
		}

		// Hijacked WebSocket connections are not tracked by http.Server.
		if err := a.sessions.Close(ctx); err != nil {
			slog.Warn("sessions did not finish in time", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
