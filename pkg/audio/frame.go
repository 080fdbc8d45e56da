package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame is returned by [FrameSpec.Validate] for blocks whose
// length does not match the configured frame size.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// FrameSpec describes the fixed-size ingest frame: canonical mono 16-bit PCM
// at SampleRate, DurationMs long.
type FrameSpec struct {
	SampleRate int
	DurationMs int
}

// Samples returns the number of samples in one frame.
func (s FrameSpec) Samples() int {
	return s.SampleRate * s.DurationMs / 1000
}

// Bytes returns the exact byte length every valid frame must have.
func (s FrameSpec) Bytes() int {
	return s.Samples() * BytesPerSample
}

// Duration returns the playback duration of one frame.
func (s FrameSpec) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// Validate returns nil when block is exactly one frame long and an error
// wrapping [ErrMalformedFrame] otherwise. It never inspects the payload.
func (s FrameSpec) Validate(block []byte) error {
	if want := s.Bytes(); len(block) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(block), want)
	}
	return nil
}
