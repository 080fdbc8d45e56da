package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// DefaultSystemPrompt keeps replies short enough to be spoken.
const DefaultSystemPrompt = "You are a helpful voice assistant. Answer in one to three short spoken sentences. Do not use markdown, lists or emojis."

// LLMResponder implements Responder through github.com/mozilla-ai/any-llm-go.
type LLMResponder struct {
	backend      anyllmlib.Provider
	model        string
	systemPrompt string
	maxTokens    int
}

// NewLLMResponder creates a Responder for the named backend.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile". model must be non-empty. An
// empty systemPrompt selects [DefaultSystemPrompt]. opts are any-llm-go options
// such as anyllmlib.WithAPIKey and anyllmlib.WithBaseURL; without an API key
// the backend reads its usual environment variable.
func NewLLMResponder(backendName, model, systemPrompt string, maxTokens int, opts ...anyllmlib.Option) (*LLMResponder, error) {
	if model == "" {
		return nil, errors.New("cascade: llm model must not be empty")
	}
	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("cascade: create %q backend: %w", backendName, err)
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &LLMResponder{backend: backend, model: model, systemPrompt: systemPrompt, maxTokens: maxTokens}, nil
}

// Respond implements Responder.
func (r *LLMResponder) Respond(ctx context.Context, transcript string) (string, error) {
	resp, err := r.backend.Completion(ctx, r.params(transcript))
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

func (r *LLMResponder) params(transcript string) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model: r.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: r.systemPrompt},
			{Role: "user", Content: transcript},
		},
	}
	if r.maxTokens > 0 {
		mt := r.maxTokens
		params.MaxTokens = &mt
	}
	return params
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", name)
	}
}
