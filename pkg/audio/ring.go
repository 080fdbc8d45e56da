package audio

// FrameRing is a fixed-capacity circular buffer of raw frames. Pushing onto a
// full ring evicts the oldest frame. Frames are copied in, so callers may
// reuse their buffers. Not safe for concurrent use.
type FrameRing struct {
	slots [][]byte
	start int
	size  int
}

// NewFrameRing returns an empty ring holding at most capacity frames. A
// capacity of zero or less yields a ring that retains nothing.
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 0 {
		capacity = 0
	}
	return &FrameRing{slots: make([][]byte, capacity)}
}

// Cap returns the ring's capacity in frames.
func (r *FrameRing) Cap() int { return len(r.slots) }

// Len returns the number of frames currently held.
func (r *FrameRing) Len() int { return r.size }

// Push appends a copy of frame, evicting the oldest frame when full. O(1).
func (r *FrameRing) Push(frame []byte) {
	n := len(r.slots)
	if n == 0 {
		return
	}
	var idx int
	if r.size < n {
		idx = (r.start + r.size) % n
		r.size++
	} else {
		idx = r.start
		r.start = (r.start + 1) % n
	}
	// Reuse the evicted slot's backing array when it is large enough.
	slot := r.slots[idx][:0]
	r.slots[idx] = append(slot, frame...)
}

// Frames returns copies of the held frames, oldest first. The ring is left
// untouched so it can keep collecting.
func (r *FrameRing) Frames() [][]byte {
	out := make([][]byte, 0, r.size)
	r.each(func(f []byte) {
		cp := make([]byte, len(f))
		copy(cp, f)
		out = append(out, cp)
	})
	return out
}

// AppendTo appends the held frames, oldest first, to dst and returns the
// extended slice.
func (r *FrameRing) AppendTo(dst []byte) []byte {
	r.each(func(f []byte) { dst = append(dst, f...) })
	return dst
}

// Reset drops all held frames. Slot buffers are kept for reuse.
func (r *FrameRing) Reset() {
	r.start = 0
	r.size = 0
}

func (r *FrameRing) each(fn func([]byte)) {
	n := len(r.slots)
	for i := range r.size {
		fn(r.slots[(r.start+i)%n])
	}
}
