package session

import (
	"context"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/transport"
)

// endMarkerTimeout bounds the best-effort TTS_END send once the session
// context is already gone.
const endMarkerTimeout = 5 * time.Second

// StreamReport summarises one response stream.
type StreamReport struct {
	// Packets is the number of packets delivered.
	Packets int

	// Samples is the number of samples delivered.
	Samples int

	// Aborted is true when a send failed or ctx ended before the last packet.
	Aborted bool

	// Err is the error that aborted the stream.
	Err error
}

// StreamerOption configures a [Streamer].
type StreamerOption func(*Streamer)

// WithoutPacing sends packets back to back.
func WithoutPacing() StreamerOption {
	return func(s *Streamer) { s.pace = false }
}

// WithSleep replaces the pacing wait. fn must return early with ctx.Err()
// when ctx ends.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) StreamerOption {
	return func(s *Streamer) { s.sleep = fn }
}

// Streamer sends normalized response audio to a client in fixed-size packets,
// waiting each packet's playback time before sending the next so that the
// client's buffer never runs far ahead of playback.
type Streamer struct {
	packetSamples int
	sampleRate    int
	pace          bool
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewStreamer returns a Streamer for canonical audio at sampleRate.
func NewStreamer(packetSamples, sampleRate int, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		packetSamples: packetSamples,
		sampleRate:    sampleRate,
		pace:          true,
		sleep:         sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stream sends pcm as binary packets of packetSamples samples (the last one
// may be shorter). A failed send or a cancelled ctx stops the stream; the
// error is reported, never returned.
func (s *Streamer) Stream(ctx context.Context, conn transport.Conn, pcm []byte) StreamReport {
	var rep StreamReport
	for _, pkt := range audio.Packetize(pcm, s.packetSamples) {
		if err := conn.SendBinary(ctx, pkt); err != nil {
			rep.Aborted, rep.Err = true, err
			return rep
		}
		n := len(pkt) / audio.BytesPerSample
		rep.Packets++
		rep.Samples += n

		if !s.pace {
			continue
		}
		if err := s.sleep(ctx, audio.SamplesDuration(n, s.sampleRate)); err != nil {
			rep.Aborted, rep.Err = true, err
			return rep
		}
	}
	return rep
}

// End sends the TTS_END marker unless the connection is known closed. It
// still tries when ctx has ended, bounded by a short timeout, so a client that
// is still connected always learns that the turn is over.
func (s *Streamer) End(ctx context.Context, conn transport.Conn) (sent bool, err error) {
	if conn.Closed() {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endMarkerTimeout)
	defer cancel()
	if err := conn.SendText(ctx, transport.MarkerResponseEnd); err != nil {
		return false, err
	}
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
