// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech scorer (an energy heuristic, a
// Silero sidecar, or a custom model) and surfaces it as a per-stream session.
// Engines only score: a session turns one canonical PCM frame into a speech
// probability in [0.0, 1.0]. Hysteresis, thresholds and utterance boundaries
// belong to the caller (see internal/endpoint).
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"context"
	"errors"
	"math"
)

// ErrClassifierUnavailable is returned by Engine.NewSession when the scoring
// backend cannot serve requests (model not loaded, sidecar unreachable). The
// caller treats it as fatal for the affected connection only.
var ErrClassifierUnavailable = errors.New("vad: classifier unavailable")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000, 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most VAD
	// models operate on fixed frame sizes (e.g., 10, 20, or 30 ms).
	FrameSizeMs int
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine.
type SessionHandle interface {
	// ProcessFrame scores a single audio frame and returns the probability that
	// it contains speech, in [0.0, 1.0]. The frame must be raw 16-bit
	// little-endian mono PCM at the SampleRate configured when the session was
	// created; callers validate the frame length before scoring.
	//
	// ctx bounds remote scoring backends. Local engines may ignore it.
	ProcessFrame(ctx context.Context, frame []byte) (float64, error)

	// Reset clears any accumulated model state (recurrent state, smoothing
	// history) without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	//
	// Returns an error wrapping [ErrClassifierUnavailable] when the backend is
	// not ready, or a plain error when the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

// ClampProbability maps p into [0.0, 1.0]. NaN becomes 0.
func ClampProbability(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
