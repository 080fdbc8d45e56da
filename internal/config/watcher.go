package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives a newly loaded configuration together with what changed
// relative to the previous one. It is only called when d is not empty.
type ReloadFunc func(next *Config, d ConfigDiff)

// Watcher re-reads the voxgate config file on an interval and hands every
// effective change to a [ReloadFunc]. Edits that leave the parsed config
// identical, such as comments or reordered keys, are not reported. A file
// that fails to load is reported once per revision; the last valid config
// stays current until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	seen    time.Time         // mtime of the last revision examined
	applied [sha256.Size]byte // content hash of current
	broken  [sha256.Size]byte // content hash of the last revision that failed
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is examined. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path, which must hold a valid config, and returns a
// watcher for it. Nothing is polled until [Watcher.Run] is called. onReload
// may be nil.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}

	rev, err := w.readRevision()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(rev.data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.applied, w.seen = cfg, rev.hash, rev.mtime
	return w, nil
}

// Current returns the config that was last applied.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run examines the file every interval until ctx is cancelled. It always
// returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

type revision struct {
	data  []byte
	hash  [sha256.Size]byte
	mtime time.Time
}

func (w *Watcher) readRevision() (revision, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return revision{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return revision{}, err
	}
	return revision{data: data, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

// poll applies the file if it was modified since the last look and its
// content is new.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	modified := !info.ModTime().Equal(w.seen)
	w.mu.Unlock()
	if !modified {
		return
	}

	rev, err := w.readRevision()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.seen = rev.mtime
	if rev.hash == w.applied || rev.hash == w.broken {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	next, err := LoadFromReader(bytes.NewReader(rev.data))
	if err != nil {
		w.mu.Lock()
		w.broken = rev.hash
		w.mu.Unlock()
		slog.Warn("config watcher: invalid config, keeping the running one", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current, w.applied = next, rev.hash
	w.mu.Unlock()

	d := Diff(prev, next)
	if d.Empty() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"endpointing", d.EndpointingChanged,
		"response", d.ResponseChanged,
		"restart_required", d.RestartRequired,
	)
	// Called without the lock so the callback may use Current.
	if w.onReload != nil {
		w.onReload(next, d)
	}
}
