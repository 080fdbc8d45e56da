package cascade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const (
	defaultTranscriptionModel = oai.AudioModelWhisper1
	defaultSpeechModel        = oai.SpeechModelTTS1
	defaultVoice              = oai.AudioSpeechNewParamsVoiceAlloy
)

// ClientConfig holds the connection settings shared by the OpenAI stages.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewOpenAIClient builds an OpenAI client from cfg. APIKey must be non-empty.
func NewOpenAIClient(cfg ClientConfig) (oai.Client, error) {
	if cfg.APIKey == "" {
		return oai.Client{}, errors.New("cascade: openai apiKey must not be empty")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.Timeout,
		}))
	}
	return oai.NewClient(reqOpts...), nil
}

// OpenAITranscriber implements Transcriber with the OpenAI transcription API.
type OpenAITranscriber struct {
	client   oai.Client
	model    string
	language string
}

// NewOpenAITranscriber returns a Transcriber. An empty model selects whisper-1.
// language is an optional ISO-639-1 hint.
func NewOpenAITranscriber(client oai.Client, model, language string) *OpenAITranscriber {
	if model == "" {
		model = string(defaultTranscriptionModel)
	}
	return &OpenAITranscriber{client: client, model: model, language: language}
}

// Transcribe implements Transcriber.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, wavPath string) (string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("open utterance: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(t.model),
	}
	if t.language != "" {
		params.Language = param.NewOpt(t.language)
	}
	tr, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return tr.Text, nil
}

// OpenAISynthesizer implements Synthesizer with the OpenAI speech API,
// requesting WAV output.
type OpenAISynthesizer struct {
	client oai.Client
	model  string
	voice  string
}

// NewOpenAISynthesizer returns a Synthesizer. Empty model and voice select
// tts-1 and "alloy".
func NewOpenAISynthesizer(client oai.Client, model, voice string) *OpenAISynthesizer {
	if model == "" {
		model = string(defaultSpeechModel)
	}
	if voice == "" {
		voice = string(defaultVoice)
	}
	return &OpenAISynthesizer{client: client, model: model, voice: voice}
}

// Synthesize implements Synthesizer.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string, w io.Writer) error {
	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(s.model),
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("openai speech: read audio: %w", err)
	}
	return nil
}
