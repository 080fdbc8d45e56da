// Package httppipe provides a pipeline provider that delegates the whole turn
// to an external HTTP service.
//
// The utterance WAV is uploaded as multipart/form-data to POST {base}/process
// (field "file"). The service answers in one of two ways:
//
//   - an audio/wav body: the reply itself, stored beside the utterance as
//     <utterance>_reply.wav;
//   - a JSON document {"output_audio": "/path/reply.wav", "error": "..."}
//     naming a file the service wrote to shared storage, or describing why
//     it could not.
//
// Usage:
//
//	p, err := httppipe.New("http://localhost:8000", httppipe.WithTimeout(time.Minute))
//	res := p.Process(ctx, "audio_files/recording_2026-01-01_10-00-00_000001.wav")
package httppipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
)

const defaultTimeout = 2 * time.Minute

// maxReplyBytes bounds an inline WAV reply (about 10 minutes of 48 kHz stereo).
const maxReplyBytes = 128 << 20

var _ pipeline.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP client timeout. Zero disables it; callers then
// rely on the context deadline. Defaults to 2 minutes.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAPIKey sends key as a Bearer token on every request.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// Provider implements pipeline.Provider against a remote HTTP service.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider for the service at baseURL. baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("httppipe: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type jsonReply struct {
	OutputAudio string `json:"output_audio"`
	Transcript  string `json:"transcript"`
	Reply       string `json:"reply"`
	Error       string `json:"error"`
}

// Process implements pipeline.Provider.
func (p *Provider) Process(ctx context.Context, utterancePath string) pipeline.Result {
	resp, err := p.post(ctx, utterancePath)
	if err != nil {
		return pipeline.Failure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pipeline.Failure(fmt.Errorf("httppipe: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var out jsonReply
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return pipeline.Failure(fmt.Errorf("httppipe: parse JSON response: %w", err))
		}
		if out.Error != "" {
			return pipeline.Failure(fmt.Errorf("httppipe: pipeline error: %s", out.Error))
		}
		res := pipeline.CheckAudio(pipeline.Audio(out.OutputAudio))
		res.Transcript, res.Reply = out.Transcript, out.Reply
		return res
	default:
		return p.saveReply(resp.Body, utterancePath)
	}
}

func (p *Provider) post(ctx context.Context, utterancePath string) (*http.Response, error) {
	f, err := os.Open(utterancePath)
	if err != nil {
		return nil, fmt.Errorf("httppipe: open utterance: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(utterancePath))
	if err != nil {
		return nil, fmt.Errorf("httppipe: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("httppipe: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("httppipe: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/process", &body)
	if err != nil {
		return nil, fmt.Errorf("httppipe: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "audio/wav, application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httppipe: http request: %w", err)
	}
	return resp, nil
}

func (p *Provider) saveReply(body io.Reader, utterancePath string) pipeline.Result {
	data, err := io.ReadAll(io.LimitReader(body, maxReplyBytes+1))
	if err != nil {
		return pipeline.Failure(fmt.Errorf("httppipe: read response body: %w", err))
	}
	if len(data) > maxReplyBytes {
		return pipeline.Failure(fmt.Errorf("httppipe: reply exceeds %d bytes", maxReplyBytes))
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return pipeline.Failure(fmt.Errorf("%w: response is not a WAV file", pipeline.ErrNoAudio))
	}
	out := pipeline.ReplyPath(utterancePath)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return pipeline.Failure(fmt.Errorf("httppipe: store reply: %w", err))
	}
	return pipeline.Audio(out)
}
