// Package cascade implements pipeline.Provider as a three-stage cascade:
// speech-to-text, then a language model, then speech synthesis.
//
// Each stage is an interface so that backends can be mixed. The package ships
// OpenAI-backed transcription and synthesis (github.com/openai/openai-go) and
// an any-llm-go responder that reaches OpenAI, Anthropic, Gemini, Ollama and
// other chat backends through one API.
//
// The reply is written beside the utterance as <utterance>_reply.wav.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
)

// ErrEmptyTranscript is reported when the transcriber heard nothing usable.
var ErrEmptyTranscript = errors.New("cascade: empty transcript")

// Transcriber turns a WAV file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// Responder produces the assistant's reply to a user transcript.
type Responder interface {
	Respond(ctx context.Context, transcript string) (string, error)
}

// Synthesizer renders text as WAV audio into w.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, w io.Writer) error
}

var _ pipeline.Provider = (*Provider)(nil)

// Provider chains a Transcriber, a Responder and a Synthesizer.
type Provider struct {
	stt Transcriber
	llm Responder
	tts Synthesizer
}

// New returns a Provider. All three stages are required.
func New(stt Transcriber, llm Responder, tts Synthesizer) (*Provider, error) {
	if stt == nil || llm == nil || tts == nil {
		return nil, errors.New("cascade: transcriber, responder and synthesizer must not be nil")
	}
	return &Provider{stt: stt, llm: llm, tts: tts}, nil
}

// Process implements pipeline.Provider.
func (p *Provider) Process(ctx context.Context, utterancePath string) pipeline.Result {
	transcript, err := p.stt.Transcribe(ctx, utterancePath)
	if err != nil {
		return pipeline.Failure(fmt.Errorf("cascade: transcribe: %w", err))
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return pipeline.Failure(ErrEmptyTranscript)
	}
	slog.Debug("cascade: transcript", "utterance", utterancePath, "text", transcript)

	reply, err := p.llm.Respond(ctx, transcript)
	if err != nil {
		return withText(pipeline.Failure(fmt.Errorf("cascade: respond: %w", err)), transcript, "")
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return withText(pipeline.Failure(errors.New("cascade: empty reply")), transcript, "")
	}

	out := pipeline.ReplyPath(utterancePath)
	if err := p.synthesizeTo(ctx, reply, out); err != nil {
		return withText(pipeline.Failure(fmt.Errorf("cascade: synthesize: %w", err)), transcript, reply)
	}
	return withText(pipeline.CheckAudio(pipeline.Audio(out)), transcript, reply)
}

func (p *Provider) synthesizeTo(ctx context.Context, text, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return p.tts.Synthesize(ctx, text, f)
}

func withText(r pipeline.Result, transcript, reply string) pipeline.Result {
	r.Transcript, r.Reply = transcript, reply
	return r
}
