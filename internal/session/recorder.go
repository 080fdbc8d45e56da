package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// recordingLayout is the date part of an utterance file name. The
// microseconds follow as a separate field, e.g.
// recording_2024-05-01_13-45-10_123456.wav.
const recordingLayout = "2006-01-02_15-04-05"

// Recorder persists finished utterances as canonical WAV files.
// It is safe for concurrent use by several sessions.
type Recorder struct {
	dir        string
	sampleRate int
	now        func() time.Time

	mu        sync.Mutex
	lastStamp string
	seq       int
}

// NewRecorder returns a Recorder writing into dir. The directory is created on
// the first write.
func NewRecorder(dir string, sampleRate int) *Recorder {
	return &Recorder{dir: dir, sampleRate: sampleRate, now: time.Now}
}

// Dir returns the directory recordings are written to.
func (r *Recorder) Dir() string { return r.dir }

// Save writes pcm as a mono 16-bit WAV file and returns its path.
func (r *Recorder) Save(pcm []byte) (string, error) {
	path := filepath.Join(r.dir, r.nextName())
	if err := audio.WriteWAVFile(path, pcm, r.sampleRate); err != nil {
		return "", fmt.Errorf("session: save utterance: %w", err)
	}
	return path, nil
}

// nextName returns a file name unique within this process, adding a counter
// suffix when two utterances finish in the same microsecond.
func (r *Recorder) nextName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	stamp := fmt.Sprintf("recording_%s_%06d", now.Format(recordingLayout), now.Nanosecond()/1000)
	if stamp == r.lastStamp {
		r.seq++
		return fmt.Sprintf("%s_%d.wav", stamp, r.seq)
	}
	r.lastStamp, r.seq = stamp, 0
	return stamp + ".wav"
}
