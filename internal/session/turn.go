package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxgate/internal/audit"
	"github.com/MrWong99/voxgate/internal/endpoint"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
)

// auditTimeout bounds writing one audit record.
const auditTimeout = 5 * time.Second

// turnInput is the finalized utterance handed from the read loop to the
// worker. pcm is owned by the worker.
type turnInput struct {
	pcm       []byte
	frames    int
	preRoll   int
	reason    endpoint.EndReason
	startedAt time.Time
}

// turnOutcome is what the worker reports back to the read loop.
type turnOutcome struct {
	status string
}

// runTurn persists the utterance, runs the pipeline, normalizes and streams
// the reply and always finishes with the end marker and a completion signal,
// whatever fails along the way.
func (s *Session) runTurn(ctx context.Context, in turnInput) {
	ctx, span := observe.StartSpan(ctx, "voxgate.turn", trace.WithAttributes(
		attribute.Int("utterance.frames", in.frames),
		attribute.String("utterance.end_reason", string(in.reason)),
	))
	defer span.End()
	log := observe.Logger(ctx)

	rec := audit.Turn{
		SessionID:  s.id,
		RemoteAddr: s.conn.RemoteAddr(),
		StartedAt:  in.startedAt,
		Frames:     in.frames,
		EndReason:  string(in.reason),
		Status:     audit.StatusFailed,
	}

	finished := false
	finish := func() {
		finished = true
		rec.EndedAt = time.Now()
		s.complete(ctx, rec.Status)
		s.recordAudit(ctx, rec)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			rec.Error = fmt.Sprintf("panic: %v", r)
			observe.Fail(span, errors.New(rec.Error))
		}
		if !finished {
			finish()
		}
	}()

	path, err := s.deps.Recorder.Save(in.pcm)
	if err != nil {
		log.Error("failed to persist utterance", "err", err)
		rec.Error = err.Error()
		observe.Fail(span, err)
		return
	}
	rec.UtterancePath = path

	res, dur := s.callPipeline(ctx, path)
	rec.Provider = res.Provider
	rec.PipelineDuration = dur
	rec.Transcript = res.Transcript
	rec.Reply = res.Reply
	if !res.OK() {
		log.Warn("pipeline failed", "utterance", path, "err", res.AsError(), "duration", dur)
		rec.Error = res.AsError().Error()
		observe.Fail(span, res.AsError())
		return
	}
	rec.ResponsePath = res.AudioPath

	pcm, err := s.loadResponse(ctx, res.AudioPath)
	if err != nil {
		log.Warn("response audio unusable", "path", res.AudioPath, "err", err)
		rec.Error = err.Error()
		observe.Fail(span, err)
		return
	}

	rep := s.stream(ctx, pcm)
	rec.PacketsSent = rep.Packets
	rec.Aborted = rep.Aborted
	if rep.Aborted {
		rec.Status = audit.StatusAborted
		if rep.Err != nil {
			rec.Error = rep.Err.Error()
		}
		log.Info("response stream aborted", "packets", rep.Packets, "err", rep.Err)
	} else {
		rec.Status = audit.StatusOK
		log.Info("response delivered",
			"packets", rep.Packets,
			"audio", audio.SamplesDuration(rep.Samples, s.cfg.Frame.SampleRate),
		)
	}
}

// callPipeline runs the pipeline under the concurrency limit and timeout and
// records its metrics. The returned Result names the serving backend.
func (s *Session) callPipeline(ctx context.Context, path string) (pipeline.Result, time.Duration) {
	ctx, span := observe.StartSpan(ctx, "pipeline.process")
	defer span.End()

	if lim := s.deps.Limiter; lim != nil {
		if err := lim.Acquire(ctx, 1); err != nil {
			return pipeline.Failure(fmt.Errorf("session: wait for pipeline slot: %w", err)), 0
		}
		defer lim.Release(1)
	}

	if s.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PipelineTimeout)
		defer cancel()
	}

	start := time.Now()
	res := s.deps.Pipeline.Process(ctx, path)
	dur := time.Since(start)

	if res.Provider == "" {
		res.Provider = s.deps.PipelineName
	}
	status := "ok"
	switch err := res.AsError(); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case errors.Is(err, context.Canceled):
		status = "canceled"
	default:
		status = "error"
	}
	span.SetAttributes(
		attribute.String("pipeline.provider", res.Provider),
		attribute.String("pipeline.status", status),
	)
	s.deps.Metrics.RecordPipeline(ctx, res.Provider, status, dur)
	return res, dur
}

// loadResponse decodes the reply WAV and converts it to canonical PCM at the
// session rate. The file itself is left untouched.
func (s *Session) loadResponse(ctx context.Context, path string) ([]byte, error) {
	buf, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	want := audio.Canonical(s.cfg.Frame.SampleRate)
	if buf.Format != want {
		observe.Logger(ctx).Warn("response audio format differs, normalizing",
			"path", path,
			"format", buf.Format.String(),
			"want", want.String(),
		)
	}
	pcm := audio.Normalize(buf, s.cfg.Frame.SampleRate)
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: %s holds no samples", pipeline.ErrNoAudio, path)
	}
	return pcm, nil
}

func (s *Session) stream(ctx context.Context, pcm []byte) StreamReport {
	ctx, span := observe.StartSpan(ctx, "response.stream")
	defer span.End()

	rep := s.streamer.Stream(ctx, s.conn, pcm)
	span.SetAttributes(
		attribute.Int("response.packets", rep.Packets),
		attribute.Bool("response.aborted", rep.Aborted),
	)
	s.deps.Metrics.RecordResponse(ctx, rep.Packets, rep.Aborted)
	return rep
}

// complete hands the turn back to the read loop and then sends TTS_END. The
// signal goes first so that any frame the client sends after seeing TTS_END
// is read with the machine already back to Idle; sendMu keeps the next
// PROCESSING_START behind this TTS_END.
func (s *Session) complete(ctx context.Context, status string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.done <- turnOutcome{status: status}

	if _, err := s.streamer.End(ctx, s.conn); err != nil {
		observe.Logger(ctx).Debug("failed to send end marker", "err", err)
	}
}

func (s *Session) recordAudit(ctx context.Context, rec audit.Turn) {
	if s.deps.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.deps.Audit.RecordTurn(ctx, rec); err != nil {
		observe.Logger(ctx).Warn("failed to record turn", "err", err)
	}
}
