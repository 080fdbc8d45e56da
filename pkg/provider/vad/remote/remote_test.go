package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/remote"
)

type scoreCall struct {
	Session    string    `json:"session"`
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
	Reset      bool      `json:"reset"`
}

// newSidecar starts a fake scoring service that answers every /score call
// with probability and records the decoded requests.
func newSidecar(t *testing.T, healthy bool, probability float64) (*httptest.Server, func() []scoreCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []scoreCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			if !healthy {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/score":
			var c scoreCall
			if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			mu.Lock()
			calls = append(calls, c)
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]float64{"probability": probability})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []scoreCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]scoreCall(nil), calls...)
	}
}

func TestNew_EmptyBaseURL(t *testing.T) {
	if _, err := remote.New(""); err == nil {
		t.Fatal("expected error for empty baseURL, got nil")
	}
}

func TestNewSession_UnhealthySidecar(t *testing.T) {
	srv, _ := newSidecar(t, false, 0)
	e, err := remote.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30})
	if !errors.Is(err, vad.ErrClassifierUnavailable) {
		t.Errorf("NewSession error = %v, want ErrClassifierUnavailable", err)
	}
}

func TestNewSession_UnreachableSidecar(t *testing.T) {
	srv, _ := newSidecar(t, true, 0)
	url := srv.URL
	srv.Close()

	e, _ := remote.New(url)
	_, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30})
	if !errors.Is(err, vad.ErrClassifierUnavailable) {
		t.Errorf("NewSession error = %v, want ErrClassifierUnavailable", err)
	}
}

func TestProcessFrame_SendsCanonicalSamples(t *testing.T) {
	srv, calls := newSidecar(t, true, 0.8)
	e, _ := remote.New(srv.URL)
	s, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	// Two samples: 16384 (0.5) and -32768 (-1.0).
	frame := []byte{0x00, 0x40, 0x00, 0x80}
	ctx := context.Background()
	for range 2 {
		p, err := s.ProcessFrame(ctx, frame)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if p != 0.8 {
			t.Errorf("probability = %v, want 0.8", p)
		}
	}

	got := calls()
	if len(got) != 2 {
		t.Fatalf("sidecar saw %d calls, want 2", len(got))
	}
	first := got[0]
	if first.SampleRate != 16000 {
		t.Errorf("sample_rate = %d, want 16000", first.SampleRate)
	}
	if len(first.Samples) != 2 || first.Samples[0] != 0.5 || first.Samples[1] != -1 {
		t.Errorf("samples = %v, want [0.5 -1]", first.Samples)
	}
	if !first.Reset {
		t.Error("first request should ask the sidecar to reset state")
	}
	if got[1].Reset {
		t.Error("second request should not reset state")
	}

	s.Reset()
	if _, err := s.ProcessFrame(ctx, frame); err != nil {
		t.Fatal(err)
	}
	if !calls()[2].Reset {
		t.Error("request after Reset should ask the sidecar to reset state")
	}
}

func TestProcessFrame_ClampsProbability(t *testing.T) {
	srv, _ := newSidecar(t, true, 1.7)
	e, _ := remote.New(srv.URL)
	s, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	p, err := s.ProcessFrame(context.Background(), make([]byte, 4))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if p != 1 {
		t.Errorf("probability = %v, want 1", p)
	}
}

func TestProcessFrame_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := remote.New(srv.URL)
	s, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := s.ProcessFrame(context.Background(), make([]byte, 4)); err == nil {
		t.Error("expected error for HTTP 500, got nil")
	}
}
