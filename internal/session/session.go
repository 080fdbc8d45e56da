// Package session runs one voice conversation over one client connection.
//
// A [Session] reads fixed-size PCM frames, scores each one with the speech
// classifier and feeds it to the endpointing [endpoint.Machine]. When the
// machine finalizes an utterance the session announces PROCESSING_START,
// hands the utterance to a worker goroutine and keeps reading, dropping
// frames, until the worker has run the pipeline and streamed the reply. At
// most one utterance per session is in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxgate/internal/audit"
	"github.com/MrWong99/voxgate/internal/endpoint"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/transport"
)

// CloseReasonClassifier is the close reason sent with status 1011 when the
// speech classifier cannot serve the session.
const CloseReasonClassifier = "VAD model not loaded"

// Config holds the per-session audio and endpointing parameters.
type Config struct {
	Frame    audio.FrameSpec
	Endpoint endpoint.Config

	// PacketSamples is the number of samples per outbound response packet.
	PacketSamples int

	// DisablePacing sends response packets without waiting for playback.
	DisablePacing bool

	// PipelineTimeout bounds one pipeline call. Zero disables the bound.
	PipelineTimeout time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Frame.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("session: sample rate must be positive, got %d", c.Frame.SampleRate))
	}
	if c.Frame.Samples() <= 0 {
		errs = append(errs, fmt.Errorf("session: frame of %d ms at %d Hz holds no samples", c.Frame.DurationMs, c.Frame.SampleRate))
	}
	if c.PacketSamples <= 0 {
		errs = append(errs, fmt.Errorf("session: packet samples must be positive, got %d", c.PacketSamples))
	}
	if c.PipelineTimeout < 0 {
		errs = append(errs, fmt.Errorf("session: pipeline timeout must not be negative, got %s", c.PipelineTimeout))
	}
	errs = append(errs, c.Endpoint.Validate())
	return errors.Join(errs...)
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	// Engine opens a classifier session per connection. Required.
	Engine vad.Engine

	// Pipeline turns an utterance file into a reply file. Required.
	Pipeline pipeline.Provider

	// PipelineName labels pipeline metrics when the Result does not name the
	// backend that served it.
	PipelineName string

	// Recorder persists utterances. Required.
	Recorder *Recorder

	// Limiter bounds concurrent pipeline calls across sessions. Optional.
	Limiter *semaphore.Weighted

	// Audit receives one record per turn. Optional.
	Audit audit.Store

	// Metrics records session instruments. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// StreamerOptions are passed to every session's [Streamer].
	StreamerOptions []StreamerOption
}

// Session is the per-connection state: the endpointing machine, the
// classifier handle and the in-flight turn slot. Run is the only entry point;
// the machine is touched only by the read loop goroutine.
type Session struct {
	id   string
	conn transport.Conn
	cfg  Config
	deps Deps
	log  *slog.Logger

	machine  *endpoint.Machine
	scorer   vad.SessionHandle
	streamer *Streamer

	// sendMu orders PROCESSING_START from the read loop against the end of
	// the previous turn on the worker.
	sendMu sync.Mutex

	// done carries the finished turn back to the read loop.
	done     chan turnOutcome
	inflight bool
	turns    int
	wg       sync.WaitGroup

	malformedWarned bool
	scoreWarned     bool
}

// New prepares a session for conn. It fails only on invalid configuration
// or missing dependencies.
func New(conn transport.Conn, cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Engine == nil:
		return nil, errors.New("session: classifier engine must not be nil")
	case deps.Pipeline == nil:
		return nil, errors.New("session: pipeline must not be nil")
	case deps.Recorder == nil:
		return nil, errors.New("session: recorder must not be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.PipelineName == "" {
		deps.PipelineName = "pipeline"
	}

	opts := deps.StreamerOptions
	if cfg.DisablePacing {
		opts = append(opts[:len(opts):len(opts)], WithoutPacing())
	}

	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		deps:     deps,
		log:      slog.With("session_id", id, "remote", conn.RemoteAddr()),
		machine:  endpoint.New(cfg.Endpoint),
		streamer: NewStreamer(cfg.PacketSamples, cfg.Frame.SampleRate, opts...),
		done:     make(chan turnOutcome, 1),
	}, nil
}

// ID returns the session identifier used in logs and audit records.
func (s *Session) ID() string { return s.id }

// Run serves the connection until the peer goes away or ctx is cancelled.
//
// It returns an error wrapping [vad.ErrClassifierUnavailable] when no
// classifier session could be opened; the connection has then already been
// closed with status 1011. A clean disconnect returns nil. Run waits for an
// in-flight turn to finish before returning.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(observe.WithSessionID(ctx, s.id))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session: panic: %v", r)
			_ = s.conn.Close(transport.StatusInternalError, "internal error")
		}
	}()

	scorer, err := s.deps.Engine.NewSession(vad.Config{
		SampleRate:  s.cfg.Frame.SampleRate,
		FrameSizeMs: s.cfg.Frame.DurationMs,
	})
	if err != nil {
		s.deps.Metrics.RecordRejected(ctx, "classifier_unavailable")
		s.log.Error("classifier unavailable, closing connection", "err", err)
		_ = s.conn.Close(transport.StatusInternalError, CloseReasonClassifier)
		if !errors.Is(err, vad.ErrClassifierUnavailable) {
			err = fmt.Errorf("%w: %w", vad.ErrClassifierUnavailable, err)
		}
		return fmt.Errorf("session: open classifier: %w", err)
	}
	s.scorer = scorer
	defer func() {
		if cerr := scorer.Close(); cerr != nil {
			s.log.Warn("failed to close classifier session", "err", cerr)
		}
	}()

	s.deps.Metrics.ActiveSessions.Add(ctx, 1)
	defer s.deps.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	// Cancel before waiting so that an in-flight pipeline call or pacing
	// sleep ends promptly.
	defer s.wg.Wait()
	defer cancel()

	s.log.Info("session started", "frame_bytes", s.cfg.Frame.Bytes())
	defer func() {
		s.log.Info("session ended", "turns", s.turns)
	}()

	for {
		typ, data, rerr := s.conn.ReadMessage(ctx)
		if rerr != nil {
			if errors.Is(rerr, transport.ErrConnectionClosed) || ctx.Err() != nil {
				_ = s.conn.Close(transport.StatusNormalClosure, "")
				return nil
			}
			_ = s.conn.Close(transport.StatusInternalError, "read failed")
			return fmt.Errorf("session: read: %w", rerr)
		}
		// The worker signals done before it sends TTS_END, so a turn that
		// ended while the read was blocked is visible here, before any frame
		// the client sent in reply to TTS_END is handled.
		s.collect()
		if typ != transport.MessageBinary {
			s.log.Debug("ignoring text message", "len", len(data))
			continue
		}
		s.handleFrame(ctx, data)
	}
}

// collect picks up a finished turn without blocking and returns the machine
// to Idle.
func (s *Session) collect() {
	select {
	case out := <-s.done:
		s.inflight = false
		s.turns++
		s.machine.Reset()
		s.scorer.Reset()
		s.log.Debug("turn complete", "status", out.status)
	default:
	}
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	m := s.deps.Metrics

	if err := s.cfg.Frame.Validate(frame); err != nil {
		m.RecordFrame(ctx, observe.FrameMalformed)
		if !s.malformedWarned {
			s.malformedWarned = true
			s.log.Warn("dropping malformed frames", "err", err)
		} else {
			s.log.Debug("dropped malformed frame", "len", len(frame))
		}
		return
	}

	if s.machine.State() == endpoint.StateProcessing {
		s.machine.Feed(frame, 0)
		m.RecordFrame(ctx, observe.FrameDropped)
		return
	}

	start := time.Now()
	p, err := s.scorer.ProcessFrame(ctx, frame)
	m.RecordClassifier(ctx, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !s.scoreWarned {
			s.scoreWarned = true
			s.log.Warn("classifier failed to score frame, treating as silence", "err", err)
		}
		p = 0
	}

	ev := s.machine.Feed(frame, vad.ClampProbability(p))
	m.RecordFrame(ctx, observe.FrameAccepted)

	switch ev {
	case endpoint.EventSpeechStarted:
		s.log.Debug("speech started", "pre_roll_frames", s.machine.PreRollLen())
	case endpoint.EventUtteranceReady:
		s.dispatch(ctx)
	}
}

// dispatch announces processing and starts the worker for the utterance the
// machine just finalized.
func (s *Session) dispatch(ctx context.Context) {
	total, preRoll := s.machine.UtteranceFrames()
	in := turnInput{
		pcm:       s.machine.Utterance(),
		frames:    total,
		preRoll:   preRoll,
		reason:    s.machine.EndReason(),
		startedAt: time.Now(),
	}
	s.deps.Metrics.RecordUtterance(ctx, string(in.reason))
	s.log.Info("utterance complete",
		"frames", in.frames,
		"pre_roll_frames", in.preRoll,
		"duration", s.cfg.Frame.Duration()*time.Duration(in.frames),
		"reason", in.reason,
	)

	s.sendMu.Lock()
	err := s.conn.SendText(ctx, transport.MarkerProcessingStart)
	s.sendMu.Unlock()
	if err != nil {
		s.log.Debug("failed to send processing marker", "err", err)
		if s.conn.Closed() {
			s.machine.Reset()
			return
		}
	}

	s.inflight = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(ctx, in)
	}()
}
