package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxgate/internal/audit"
	"github.com/MrWong99/voxgate/internal/endpoint"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
	pmock "github.com/MrWong99/voxgate/pkg/provider/pipeline/mock"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	vmock "github.com/MrWong99/voxgate/pkg/provider/vad/mock"
	"github.com/MrWong99/voxgate/pkg/transport"
	tmock "github.com/MrWong99/voxgate/pkg/transport/mock"
)

const (
	testRate       = 16000
	testFrameBytes = 960 // 30 ms at 16 kHz
)

// speech and silence build valid frames whose first byte tells the scripted
// classifier how to score them; seq fills the rest so frames are
// distinguishable in recordings.
func speech(seq byte) []byte  { return markedFrame(1, seq) }
func silence(seq byte) []byte { return markedFrame(0, seq) }

func markedFrame(kind, seq byte) []byte {
	f := bytes.Repeat([]byte{seq}, testFrameBytes)
	f[0] = kind
	return f
}

func scoreByMarker(f []byte) float64 {
	if f[0] == 1 {
		return 0.9
	}
	return 0.1
}

// replyWith returns a pipeline function that writes samples of silence at
// rate next to the utterance and returns it.
func replyWith(samples, rate int) func(context.Context, string) pipeline.Result {
	return func(_ context.Context, path string) pipeline.Result {
		out := pipeline.ReplyPath(path)
		if err := audio.WriteWAVFile(out, make([]byte, samples*audio.BytesPerSample), rate); err != nil {
			return pipeline.Failure(err)
		}
		return pipeline.Audio(out)
	}
}

type harness struct {
	conn   *tmock.Conn
	engine *vmock.Engine
	scorer *vmock.Session
	pipe   *pmock.Provider
	store  *audit.MemStore
	reader *sdkmetric.ManualReader
	dir    string
	sess   *Session
	errc   chan error
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		conn:   tmock.NewConn(64),
		scorer: &vmock.Session{ScoreFunc: scoreByMarker},
		pipe:   &pmock.Provider{ProcessFunc: replyWith(1100, testRate)},
		store:  audit.NewMemStore(0),
		reader: reader,
		dir:    t.TempDir(),
		errc:   make(chan error, 1),
	}
	h.engine = &vmock.Engine{Session: h.scorer}

	cfg := Config{
		Frame: audio.FrameSpec{SampleRate: testRate, DurationMs: 30},
		Endpoint: endpoint.Config{
			Threshold:        0.5,
			TriggerFrames:    1,
			SilenceFramesEnd: 3,
			PreRollFrames:    2,
		},
		PacketSamples:   512,
		DisablePacing:   true,
		PipelineTimeout: 5 * time.Second,
	}
	deps := Deps{
		Engine:       h.engine,
		Pipeline:     h.pipe,
		PipelineName: "mock",
		Recorder:     NewRecorder(h.dir, testRate),
		Audit:        h.store,
		Metrics:      metrics,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	h.sess, err = New(h.conn, cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.errc <- h.sess.Run(ctx) }()
}

func (h *harness) push(frames ...[]byte) {
	for _, f := range frames {
		h.conn.PushBinary(f)
	}
}

// finish hangs up and waits for Run to return.
func (h *harness) finish(t *testing.T) error {
	t.Helper()
	h.conn.Hangup()
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) frames(t *testing.T, result string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxgate.frames" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value("result"); ok && v.AsString() == result {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func hasText(c *tmock.Conn, text string) func() bool {
	return func() bool { return slices.Contains(c.Texts(), text) }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSession_Turn(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	utterance := [][]byte{silence(1), silence(2), speech(3), speech(4), silence(5), silence(6), silence(7)}
	h.push(utterance...)
	waitFor(t, "TTS_END", hasText(h.conn, transport.MarkerResponseEnd))

	if got, want := h.conn.Texts(), []string{transport.MarkerProcessingStart, transport.MarkerResponseEnd}; !slices.Equal(got, want) {
		t.Errorf("texts = %v, want %v", got, want)
	}

	// 1100 samples in 512-sample packets.
	var sizes []int
	for _, b := range h.conn.Binaries() {
		sizes = append(sizes, len(b))
	}
	if want := []int{1024, 1024, 152}; !slices.Equal(sizes, want) {
		t.Errorf("packet sizes = %v, want %v", sizes, want)
	}

	calls := h.pipe.Calls()
	if len(calls) != 1 {
		t.Fatalf("pipeline calls = %v, want 1", calls)
	}
	name := filepath.Base(calls[0])
	if filepath.Dir(calls[0]) != h.dir || !strings.HasPrefix(name, "recording_") || !strings.HasSuffix(name, ".wav") {
		t.Errorf("utterance path = %q", calls[0])
	}
	buf, err := audio.ReadWAVFile(calls[0])
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if got, want := audio.Normalize(buf, testRate), bytes.Join(utterance, nil); !bytes.Equal(got, want) {
		t.Errorf("recorded utterance differs: got %d bytes, want %d", len(got), len(want))
	}

	// A frame sent after TTS_END is scored: the session is idle again.
	h.push(speech(8))
	waitFor(t, "post-turn frame scored", func() bool { return h.scorer.FrameCount() == 8 })

	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	turns := h.store.Turns(h.sess.ID())
	if len(turns) != 1 {
		t.Fatalf("audit turns = %d, want 1", len(turns))
	}
	turn := turns[0]
	if turn.Status != audit.StatusOK || turn.PacketsSent != 3 || turn.Frames != 7 || turn.EndReason != "silence" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.Provider != "mock" || turn.ResponsePath != pipeline.ReplyPath(calls[0]) {
		t.Errorf("turn provider/response = %q, %q", turn.Provider, turn.ResponsePath)
	}
	if h.scorer.ResetCallCount != 1 {
		t.Errorf("classifier resets = %d, want 1", h.scorer.ResetCallCount)
	}
	if h.scorer.CloseCallCount != 1 {
		t.Errorf("classifier closes = %d, want 1", h.scorer.CloseCallCount)
	}
}

func TestSession_ConsecutiveTurns(t *testing.T) {
	tests := []struct {
		name   string
		second [][]byte
	}{
		{
			name:   "onset right after TTS_END",
			second: [][]byte{speech(8), speech(9), silence(10), silence(11), silence(12)},
		},
		{
			name:   "pre-roll right after TTS_END",
			second: [][]byte{silence(8), speech(9), silence(10), silence(11), silence(12)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start(t)

			h.push(speech(1), silence(2), silence(3), silence(4))
			waitFor(t, "first TTS_END", hasText(h.conn, transport.MarkerResponseEnd))

			h.push(tt.second...)
			waitFor(t, "second turn", func() bool { return len(h.store.Turns("")) == 2 })
			if err := h.finish(t); err != nil {
				t.Fatalf("Run = %v", err)
			}

			if got := h.frames(t, observe.FrameDropped); got != 0 {
				t.Errorf("dropped frames = %d, want 0", got)
			}
			if n := h.scorer.FrameCount(); n != 4+len(tt.second) {
				t.Errorf("scored frames = %d, want %d", n, 4+len(tt.second))
			}
			want := []string{
				transport.MarkerProcessingStart, transport.MarkerResponseEnd,
				transport.MarkerProcessingStart, transport.MarkerResponseEnd,
			}
			if got := h.conn.Texts(); !slices.Equal(got, want) {
				t.Errorf("texts = %v, want %v", got, want)
			}

			calls := h.pipe.Calls()
			if len(calls) != 2 {
				t.Fatalf("pipeline calls = %d, want 2", len(calls))
			}
			buf, err := audio.ReadWAVFile(calls[1])
			if err != nil {
				t.Fatalf("ReadWAVFile: %v", err)
			}
			if got, want := audio.Normalize(buf, testRate), bytes.Join(tt.second, nil); !bytes.Equal(got, want) {
				t.Errorf("second utterance: got %d bytes, want %d bytes beginning with the first frame sent after TTS_END",
					len(got), len(want))
			}
		})
	}
}

func TestSession_NormalizesNonCanonicalReply(t *testing.T) {
	h := newHarness(t, nil)
	h.pipe.ProcessFunc = replyWith(256, 8000)
	h.start(t)

	h.push(speech(1), silence(2), silence(3), silence(4))
	waitFor(t, "TTS_END", hasText(h.conn, transport.MarkerResponseEnd))

	bins := h.conn.Binaries()
	if len(bins) != 1 || len(bins[0]) != 1024 {
		t.Errorf("packets = %d (first %d bytes), want one 512-sample packet", len(bins), len(bins[0]))
	}
	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestSession_MalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.push(speech(1), make([]byte, testFrameBytes-1), make([]byte, testFrameBytes+2), speech(2))
	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}

	if n := h.scorer.FrameCount(); n != 2 {
		t.Errorf("scored frames = %d, want 2", n)
	}
	for i, f := range h.scorer.Frames {
		if len(f) != testFrameBytes {
			t.Errorf("scored frame %d has %d bytes", i, len(f))
		}
	}
	if got := h.frames(t, observe.FrameMalformed); got != 2 {
		t.Errorf("malformed frames = %d, want 2", got)
	}
	if got := h.frames(t, observe.FrameAccepted); got != 2 {
		t.Errorf("accepted frames = %d, want 2", got)
	}
	if len(h.conn.Texts()) != 0 {
		t.Errorf("texts = %v, want none", h.conn.Texts())
	}
}

func TestSession_PipelineFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.pipe.ProcessFunc = nil
	h.pipe.Result = pipeline.Failure(errors.New("HTTP 502"))
	h.start(t)

	h.push(speech(1), silence(2), silence(3), silence(4))
	waitFor(t, "TTS_END", hasText(h.conn, transport.MarkerResponseEnd))

	if got, want := h.conn.Texts(), []string{transport.MarkerProcessingStart, transport.MarkerResponseEnd}; !slices.Equal(got, want) {
		t.Errorf("texts = %v, want %v", got, want)
	}
	if n := len(h.conn.Binaries()); n != 0 {
		t.Errorf("binary packets = %d, want 0", n)
	}

	// Back to Idle with a cleared utterance: the next utterance is only the
	// new frames.
	h.pipe.ProcessFunc = replyWith(10, testRate)
	h.push(speech(5), silence(6), silence(7), silence(8))
	waitFor(t, "second turn", func() bool { return len(h.store.Turns("")) == 2 })

	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}

	turns := h.store.Turns("")
	if turns[0].Status != audit.StatusFailed || turns[0].Error != "HTTP 502" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Status != audit.StatusOK || turns[1].Frames != 4 {
		t.Errorf("second turn = %+v, want ok with 4 frames", turns[1])
	}
}

func TestSession_PeerClosesMidStream(t *testing.T) {
	h := newHarness(t, nil)
	h.conn.FailAfter = 2
	h.pipe.ProcessFunc = replyWith(512*5, testRate)
	h.start(t)

	h.push(speech(1), silence(2), silence(3), silence(4))
	if err := h.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil after peer disconnect", err)
	}

	if n := len(h.conn.Binaries()); n != 2 {
		t.Errorf("packets sent = %d, want 2", n)
	}
	if slices.Contains(h.conn.Texts(), transport.MarkerResponseEnd) {
		t.Error("TTS_END sent on a closed connection")
	}
	turns := h.store.Turns("")
	if len(turns) != 1 || turns[0].Status != audit.StatusAborted || !turns[0].Aborted || turns[0].PacketsSent != 2 {
		t.Errorf("turns = %+v", turns)
	}
}

func TestSession_DropsFramesWhileProcessing(t *testing.T) {
	h := newHarness(t, nil)
	h.pipe.Block = make(chan struct{})
	h.pipe.Started = make(chan string, 1)
	h.start(t)

	h.push(speech(1), silence(2), silence(3), silence(4))
	<-h.pipe.Started

	h.push(speech(5), speech(6), speech(7), silence(8), silence(9))
	waitFor(t, "dropped frames", func() bool { return h.frames(t, observe.FrameDropped) == 5 })
	if n := h.scorer.FrameCount(); n != 4 {
		t.Errorf("scored frames = %d, want 4: frames during processing are not scored", n)
	}

	close(h.pipe.Block)
	waitFor(t, "TTS_END", hasText(h.conn, transport.MarkerResponseEnd))

	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if n := len(h.pipe.Calls()); n != 1 {
		t.Errorf("pipeline calls = %d, want 1", n)
	}
	if got := h.conn.Texts(); len(got) != 2 {
		t.Errorf("texts = %v, want one PROCESSING_START and one TTS_END", got)
	}
}

func TestSession_DisconnectDuringPipeline(t *testing.T) {
	h := newHarness(t, nil)
	h.pipe.Block = make(chan struct{})
	h.pipe.Started = make(chan string, 1)
	h.start(t)

	h.push(speech(1), silence(2), silence(3), silence(4))
	<-h.pipe.Started

	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
	turns := h.store.Turns("")
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
	if turns[0].Status != audit.StatusFailed || !strings.Contains(turns[0].Error, context.Canceled.Error()) {
		t.Errorf("turn = %+v, want failure from cancellation", turns[0])
	}
}

func TestSession_MaxUtteranceDuration(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.Endpoint.MaxUtteranceFrames = 4 })
	h.start(t)

	h.push(speech(1), speech(2), speech(3), speech(4))
	waitFor(t, "TTS_END", hasText(h.conn, transport.MarkerResponseEnd))
	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}

	turns := h.store.Turns("")
	if len(turns) != 1 || turns[0].EndReason != "max_duration" || turns[0].Frames != 4 {
		t.Errorf("turns = %+v", turns)
	}
}

func TestSession_ClassifierUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.NewSessionErr = errors.New("sidecar unreachable")
	h.start(t)

	err := h.wait(t)
	if !errors.Is(err, vad.ErrClassifierUnavailable) {
		t.Fatalf("Run = %v, want ErrClassifierUnavailable", err)
	}
	code, reason := h.conn.CloseStatus()
	if code != transport.StatusInternalError || reason != CloseReasonClassifier {
		t.Errorf("close = %d %q, want 1011 %q", code, reason, CloseReasonClassifier)
	}
}

func TestSession_ClassifierErrorCountsAsSilence(t *testing.T) {
	h := newHarness(t, nil)
	h.scorer.ProcessFrameErr = errors.New("timeout")
	h.start(t)

	h.push(speech(1), speech(2), speech(3))
	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if len(h.pipe.Calls()) != 0 || len(h.conn.Texts()) != 0 {
		t.Error("unscored frames started an utterance")
	}
	if got := h.frames(t, observe.FrameAccepted); got != 3 {
		t.Errorf("accepted frames = %d, want 3", got)
	}
}

func TestSession_IgnoresTextMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.conn.Push(transport.MessageText, []byte("hello"))
	h.push(silence(1))
	if err := h.finish(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if n := h.scorer.FrameCount(); n != 1 {
		t.Errorf("scored frames = %d, want 1", n)
	}
}

func TestSession_ContextCancelEndsRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.sess.Run(ctx) }()

	h.push(silence(1))
	waitFor(t, "first frame", func() bool { return h.scorer.FrameCount() == 1 })
	cancel()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil on shutdown", err)
	}
	if !h.conn.Closed() {
		t.Error("connection left open after shutdown")
	}
}

func TestNew_Validation(t *testing.T) {
	valid := Config{
		Frame:         audio.FrameSpec{SampleRate: testRate, DurationMs: 30},
		Endpoint:      endpoint.Config{Threshold: 0.5, TriggerFrames: 1, SilenceFramesEnd: 25, PreRollFrames: 5},
		PacketSamples: 512,
	}
	deps := Deps{
		Engine:   &vmock.Engine{},
		Pipeline: &pmock.Provider{},
		Recorder: NewRecorder(t.TempDir(), testRate),
	}

	tests := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"zero rate", func(c *Config, _ *Deps) { c.Frame.SampleRate = 0 }},
		{"zero packet", func(c *Config, _ *Deps) { c.PacketSamples = 0 }},
		{"negative timeout", func(c *Config, _ *Deps) { c.PipelineTimeout = -time.Second }},
		{"bad endpoint", func(c *Config, _ *Deps) { c.Endpoint.TriggerFrames = 0 }},
		{"no engine", func(_ *Config, d *Deps) { d.Engine = nil }},
		{"no pipeline", func(_ *Config, d *Deps) { d.Pipeline = nil }},
		{"no recorder", func(_ *Config, d *Deps) { d.Recorder = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d := valid, deps
			tt.mutate(&c, &d)
			if _, err := New(tmock.NewConn(1), c, d); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}

	if _, err := New(tmock.NewConn(1), valid, deps); err != nil {
		t.Errorf("New(valid) = %v", err)
	}
}

func TestRecorder_Names(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, testRate)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 13, 45, 10, 123456789, time.UTC) }

	first, err := r.Save(make([]byte, 64))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	second, err := r.Save(make([]byte, 64))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if want := filepath.Join(dir, "recording_2024-05-01_13-45-10_123456.wav"); first != want {
		t.Errorf("first = %q, want %q", first, want)
	}
	if want := filepath.Join(dir, "recording_2024-05-01_13-45-10_123456_1.wav"); second != want {
		t.Errorf("second = %q, want %q", second, want)
	}
	if _, err := os.Stat(second); err != nil {
		t.Errorf("second recording missing: %v", err)
	}
}
