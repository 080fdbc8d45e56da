package audio_test

import (
	"bytes"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func frame(b byte) []byte { return []byte{b, b} }

func TestFrameRing_FillStates(t *testing.T) {
	const capacity = 3
	for pushed := 0; pushed <= 7; pushed++ {
		r := audio.NewFrameRing(capacity)
		for i := range pushed {
			r.Push(frame(byte(i)))
		}

		wantLen := min(pushed, capacity)
		if r.Len() != wantLen {
			t.Errorf("pushed %d: Len() = %d, want %d", pushed, r.Len(), wantLen)
		}
		got := r.Frames()
		if len(got) != wantLen {
			t.Fatalf("pushed %d: got %d frames, want %d", pushed, len(got), wantLen)
		}
		for i, f := range got {
			want := frame(byte(pushed - wantLen + i))
			if !bytes.Equal(f, want) {
				t.Errorf("pushed %d: frame %d = %v, want %v", pushed, i, f, want)
			}
		}
	}
}

func TestFrameRing_CopiesInput(t *testing.T) {
	r := audio.NewFrameRing(2)
	buf := []byte{1, 1}
	r.Push(buf)
	buf[0] = 9

	if got := r.Frames()[0]; got[0] != 1 {
		t.Errorf("ring aliased caller buffer: got %v", got)
	}
	out := r.Frames()
	out[0][0] = 7
	if got := r.Frames()[0]; got[0] != 1 {
		t.Errorf("Frames() aliased ring storage: got %v", got)
	}
}

func TestFrameRing_AppendToAndReset(t *testing.T) {
	r := audio.NewFrameRing(2)
	r.Push(frame(1))
	r.Push(frame(2))
	r.Push(frame(3))

	got := r.AppendTo([]byte{0})
	want := []byte{0, 2, 2, 3, 3}
	if !bytes.Equal(got, want) {
		t.Errorf("AppendTo = %v, want %v", got, want)
	}

	r.Reset()
	if r.Len() != 0 || len(r.Frames()) != 0 {
		t.Errorf("after Reset: Len() = %d, frames = %d", r.Len(), len(r.Frames()))
	}
	r.Push(frame(4))
	if got := r.Frames(); len(got) != 1 || !bytes.Equal(got[0], frame(4)) {
		t.Errorf("after Reset+Push: frames = %v", got)
	}
}

func TestFrameRing_ZeroCapacity(t *testing.T) {
	r := audio.NewFrameRing(0)
	r.Push(frame(1))
	if r.Len() != 0 || r.Cap() != 0 {
		t.Errorf("zero-capacity ring: Len() = %d, Cap() = %d", r.Len(), r.Cap())
	}
}
