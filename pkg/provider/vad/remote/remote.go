// Package remote provides a VAD engine backed by an HTTP scoring sidecar,
// typically a small Silero VAD service running next to the gateway.
//
// Protocol:
//
//	GET  {base}/health  → 2xx when the model is loaded
//	POST {base}/score   {"session":"…","sample_rate":16000,"samples":[…],"reset":false}
//	                    → {"probability":0.87}
//
// NewSession probes /health so that a missing model is reported before the
// first frame arrives; the caller then closes the connection instead of
// streaming into a dead scorer.
package remote

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	defaultHealthTimeout  = 2 * time.Second
	defaultRequestTimeout = 5 * time.Second
)

var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the HTTP client used for scoring requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithHealthTimeout bounds the /health probe run by NewSession. Defaults to 2s.
func WithHealthTimeout(d time.Duration) Option {
	return func(e *Engine) { e.healthTimeout = d }
}

// Engine implements vad.Engine by delegating scoring to an HTTP sidecar.
type Engine struct {
	baseURL       string
	httpClient    *http.Client
	healthTimeout time.Duration
}

// New returns an Engine that talks to the sidecar at baseURL
// (e.g., "http://localhost:9000"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Engine, error) {
	if baseURL == "" {
		return nil, errors.New("remote: baseURL must not be empty")
	}
	e := &Engine{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: defaultRequestTimeout},
		healthTimeout: defaultHealthTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewSession probes the sidecar and returns a session bound to it. An
// unreachable or unhealthy sidecar yields an error wrapping
// [vad.ErrClassifierUnavailable].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("remote: invalid sample rate %d", cfg.SampleRate)
	}
	if err := e.Ping(context.Background()); err != nil {
		return nil, err
	}
	return &session{engine: e, id: newSessionID(), sampleRate: cfg.SampleRate, reset: true}, nil
}

// Ping checks the sidecar's /health endpoint.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("remote: create health request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", vad.ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: health returned HTTP %d", vad.ErrClassifierUnavailable, resp.StatusCode)
	}
	return nil
}

type scoreRequest struct {
	Session    string    `json:"session"`
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
	Reset      bool      `json:"reset,omitempty"`
}

type scoreResponse struct {
	Probability *float64 `json:"probability"`
	Error       string   `json:"error"`
}

type session struct {
	engine     *Engine
	id         string
	sampleRate int
	// reset asks the sidecar to drop its recurrent state on the next request.
	reset  bool
	closed bool
}

func (s *session) ProcessFrame(ctx context.Context, frame []byte) (float64, error) {
	if s.closed {
		return 0, errors.New("remote: session is closed")
	}
	body, err := json.Marshal(scoreRequest{
		Session:    s.id,
		SampleRate: s.sampleRate,
		Samples:    audio.PCM16ToFloat32(frame),
		Reset:      s.reset,
	})
	if err != nil {
		return 0, fmt.Errorf("remote: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.engine.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.engine.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("remote: server returned HTTP %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("remote: parse JSON response: %w", err)
	}
	if out.Error != "" {
		return 0, fmt.Errorf("remote: scorer error: %s", out.Error)
	}
	if out.Probability == nil {
		return 0, errors.New("remote: response missing probability")
	}
	s.reset = false
	return vad.ClampProbability(*out.Probability), nil
}

func (s *session) Reset() { s.reset = true }

func (s *session) Close() error {
	s.closed = true
	return nil
}

func newSessionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
