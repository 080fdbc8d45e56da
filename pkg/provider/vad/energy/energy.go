// Package energy provides a pure-Go VAD engine that scores frames by their
// loudness.
//
// Each frame's RMS level is converted to dBFS and mapped through a logistic
// curve centred on a configurable midpoint, so a frame at the midpoint scores
// 0.5 and the probability saturates towards 0 and 1 within a few slope widths
// on either side. An optional exponential moving average smooths the output
// across frames.
//
// The engine needs no model files and is always available, which makes it the
// default backend and a useful stand-in when a model sidecar is down.
package energy

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	defaultMidpointDBFS = -40.0
	defaultSlopeDB      = 4.0
	defaultSmoothing    = 1.0

	// silenceFloorDBFS is used for all-zero frames, whose level is -Inf.
	silenceFloorDBFS = -120.0
)

var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithMidpointDBFS sets the level in dBFS that scores exactly 0.5.
// Defaults to -40 dBFS.
func WithMidpointDBFS(db float64) Option {
	return func(e *Engine) { e.midpoint = db }
}

// WithSlopeDB sets the width of the logistic curve in dB. Smaller values give
// a harder speech/silence decision. Defaults to 4 dB.
func WithSlopeDB(db float64) Option {
	return func(e *Engine) { e.slope = db }
}

// WithSmoothing sets the weight of the newest frame in the exponential moving
// average, in (0, 1]. 1 disables smoothing (the default).
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) { e.alpha = alpha }
}

// Engine implements vad.Engine with an RMS/dBFS logistic scorer.
type Engine struct {
	midpoint float64
	slope    float64
	alpha    float64
}

// New returns an Engine with the given options applied.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		midpoint: defaultMidpointDBFS,
		slope:    defaultSlopeDB,
		alpha:    defaultSmoothing,
	}
	for _, o := range opts {
		o(e)
	}
	if e.slope <= 0 {
		return nil, fmt.Errorf("energy: slope must be positive, got %v", e.slope)
	}
	if e.alpha <= 0 || e.alpha > 1 {
		return nil, fmt.Errorf("energy: smoothing must be in (0, 1], got %v", e.alpha)
	}
	return e, nil
}

// NewSession returns an independent scoring session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	return &session{engine: e}, nil
}

type session struct {
	engine *Engine
	prev   float64
	primed bool
	closed bool
}

func (s *session) ProcessFrame(_ context.Context, frame []byte) (float64, error) {
	if s.closed {
		return 0, fmt.Errorf("energy: session is closed")
	}
	p := s.engine.score(LevelDBFS(audio.PCM16ToFloat32(frame)))
	if s.primed && s.engine.alpha < 1 {
		p = s.engine.alpha*p + (1-s.engine.alpha)*s.prev
	}
	s.prev, s.primed = p, true
	return vad.ClampProbability(p), nil
}

func (s *session) Reset() {
	s.prev, s.primed = 0, false
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

func (e *Engine) score(db float64) float64 {
	return 1 / (1 + math.Exp(-(db-e.midpoint)/e.slope))
}

// LevelDBFS returns the RMS level of samples in dB relative to full scale.
// Empty or all-zero input returns a floor of -120 dBFS.
func LevelDBFS(samples []float32) float64 {
	if len(samples) == 0 {
		return silenceFloorDBFS
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return silenceFloorDBFS
	}
	return max(20*math.Log10(rms), silenceFloorDBFS)
}
