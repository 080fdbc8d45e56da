// Package pipeline defines the Provider interface for the downstream
// understanding and generation stage of a voice turn.
//
// A pipeline receives the path of a finished utterance recording (canonical
// mono 16-bit WAV) and produces a spoken reply as another WAV file. Whatever
// happens inside (speech-to-text, reasoning, speech synthesis, a remote
// service doing all three) is opaque to the caller.
//
// The outcome is a tagged [Result]: either a reference to response audio or a
// structured failure. Providers report failures through the Result rather
// than panicking or returning partial paths.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAudio is the failure reported when a provider completed but produced
// no usable response audio file.
var ErrNoAudio = errors.New("pipeline: no response audio")

// ResultKind tags the variant held by a [Result].
type ResultKind int

const (
	// ResultFailure means the pipeline did not produce response audio.
	ResultFailure ResultKind = iota

	// ResultAudio means AudioPath names a readable WAV file.
	ResultAudio
)

// String returns "audio" or "failure".
func (k ResultKind) String() string {
	if k == ResultAudio {
		return "audio"
	}
	return "failure"
}

// Result is the outcome of one [Provider.Process] call.
type Result struct {
	Kind ResultKind

	// AudioPath is the response WAV file. Set when Kind is ResultAudio.
	AudioPath string

	// Err describes the failure. Set when Kind is ResultFailure.
	Err error

	// Transcript and Reply carry the intermediate text when the provider
	// exposes it. Both are optional and informational only.
	Transcript string
	Reply      string

	// Provider names the backend that produced the Result when the caller
	// chose among several. Empty otherwise.
	Provider string
}

// Audio returns a successful Result referencing path.
func Audio(path string) Result {
	return Result{Kind: ResultAudio, AudioPath: path}
}

// Failure returns a failed Result wrapping err. A nil err becomes [ErrNoAudio].
func Failure(err error) Result {
	if err == nil {
		err = ErrNoAudio
	}
	return Result{Kind: ResultFailure, Err: err}
}

// OK reports whether r references response audio.
func (r Result) OK() bool { return r.Kind == ResultAudio }

// AsError returns nil for a successful Result and the failure otherwise. It
// lets results flow through error-based helpers such as circuit breakers.
func (r Result) AsError() error {
	if r.OK() {
		return nil
	}
	if r.Err == nil {
		return ErrNoAudio
	}
	return r.Err
}

// Provider is the abstraction over any downstream pipeline.
//
// Implementations must be safe for concurrent use: sessions on different
// connections call Process simultaneously. Process must honour ctx
// cancellation so that a client disconnect abandons the turn.
type Provider interface {
	// Process consumes the utterance at utterancePath and returns the reply.
	// The utterance file is never modified.
	Process(ctx context.Context, utterancePath string) Result
}

// ProviderFunc adapts an ordinary function to [Provider].
type ProviderFunc func(ctx context.Context, utterancePath string) Result

// Process calls f.
func (f ProviderFunc) Process(ctx context.Context, utterancePath string) Result {
	return f(ctx, utterancePath)
}

// ReplyPath returns the conventional location of the reply for an utterance:
// the utterance path with "_reply" inserted before the extension.
func ReplyPath(utterancePath string) string {
	base := strings.TrimSuffix(utterancePath, ".wav")
	return base + "_reply.wav"
}

// CheckAudio verifies that r references an existing, non-empty file and
// converts it into a failure otherwise. Successful results pass through.
func CheckAudio(r Result) Result {
	if !r.OK() {
		return r
	}
	if r.AudioPath == "" {
		return Failure(fmt.Errorf("%w: empty path", ErrNoAudio))
	}
	fi, err := os.Stat(r.AudioPath)
	if err != nil {
		return Failure(fmt.Errorf("%w: %v", ErrNoAudio, err))
	}
	if fi.IsDir() || fi.Size() == 0 {
		return Failure(fmt.Errorf("%w: %s is empty", ErrNoAudio, r.AudioPath))
	}
	return r
}
