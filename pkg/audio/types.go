package audio

import "fmt"

// BytesPerSample is the width of one canonical sample: signed 16-bit
// little-endian PCM.
const BytesPerSample = 2

// Format describes the sample rate, channel layout and integer bit depth of
// an audio stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Canonical returns the mono 16-bit format at rate used for scoring, storage
// and outbound streaming.
func Canonical(rate int) Format {
	return Format{SampleRate: rate, Channels: 1, BitDepth: 16}
}

// String returns a human-readable description such as "16000Hz mono 16-bit".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s %d-bit", f.SampleRate, ch, f.BitDepth)
}

// Buffer is decoded audio with interleaved samples normalised to [-1.0, 1.0].
// Format.BitDepth records the depth of the source encoding.
type Buffer struct {
	Samples []float64
	Format  Format
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}
