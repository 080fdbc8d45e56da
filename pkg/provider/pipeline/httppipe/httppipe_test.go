package httppipe_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
	"github.com/MrWong99/voxgate/pkg/provider/pipeline/httppipe"
)

// writeUtterance stores a short canonical WAV and returns its path.
func writeUtterance(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recording_test.wav")
	if err := audio.WriteWAVFile(path, make([]byte, 960), 16000); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}
	return path
}

func TestNew_EmptyBaseURL(t *testing.T) {
	if _, err := httppipe.New(""); err == nil {
		t.Fatal("expected error for empty baseURL, got nil")
	}
}

func TestProcess_WAVBody(t *testing.T) {
	utt := writeUtterance(t)
	replySrc := filepath.Join(t.TempDir(), "src.wav")
	if err := audio.WriteWAVFile(replySrc, make([]byte, 320), 22050); err != nil {
		t.Fatal(err)
	}
	replyBytes, _ := os.ReadFile(replySrc)

	var gotUpload []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotUpload, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(replyBytes)
	}))
	defer srv.Close()

	p, _ := httppipe.New(srv.URL, httppipe.WithAPIKey("secret"))
	res := p.Process(context.Background(), utt)
	if !res.OK() {
		t.Fatalf("Process failed: %v", res.Err)
	}
	if want := pipeline.ReplyPath(utt); res.AudioPath != want {
		t.Errorf("AudioPath = %q, want %q", res.AudioPath, want)
	}
	stored, _ := os.ReadFile(res.AudioPath)
	if string(stored) != string(replyBytes) {
		t.Error("stored reply differs from server body")
	}
	if uttBytes, _ := os.ReadFile(utt); string(gotUpload) != string(uttBytes) {
		t.Error("uploaded bytes differ from utterance file")
	}
}

func TestProcess_JSONOutputAudio(t *testing.T) {
	utt := writeUtterance(t)
	reply := filepath.Join(t.TempDir(), "reply.wav")
	if err := audio.WriteWAVFile(reply, make([]byte, 320), 16000); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"output_audio": reply,
			"transcript":   "hello",
			"reply":        "hi there",
		})
	}))
	defer srv.Close()

	p, _ := httppipe.New(srv.URL)
	res := p.Process(context.Background(), utt)
	if !res.OK() {
		t.Fatalf("Process failed: %v", res.Err)
	}
	if res.AudioPath != reply || res.Transcript != "hello" || res.Reply != "hi there" {
		t.Errorf("Result = %+v", res)
	}
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "json error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"error":"stt failed"}`))
			},
			wantErr: "stt failed",
		},
		{
			name: "json missing file",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"output_audio":"/definitely/not/here.wav"}`))
			},
			wantErr: "no response audio",
		},
		{
			name: "http 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "kaput", http.StatusInternalServerError)
			},
			wantErr: "HTTP 500",
		},
		{
			name: "non wav body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "audio/wav")
				_, _ = w.Write([]byte("this is not riff data"))
			},
			wantErr: "not a WAV",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			p, _ := httppipe.New(srv.URL)
			res := p.Process(context.Background(), writeUtterance(t))
			if res.OK() {
				t.Fatal("expected failure, got audio")
			}
			if !strings.Contains(res.Err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", res.Err, tc.wantErr)
			}
		})
	}
}

func TestProcess_MissingUtterance(t *testing.T) {
	p, _ := httppipe.New("http://127.0.0.1:1")
	res := p.Process(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	if res.OK() || !errors.Is(res.Err, os.ErrNotExist) {
		t.Errorf("Process(missing) = %+v, want ErrNotExist failure", res)
	}
}

func TestProcess_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := httppipe.New(srv.URL)
	res := p.Process(ctx, writeUtterance(t))
	if res.OK() || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Process(cancelled) = %+v, want context.Canceled failure", res)
	}
}
