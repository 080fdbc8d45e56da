// Package endpoint implements the per-session endpointing state machine that
// decides, frame by frame, where a spoken utterance begins and ends.
//
// The machine is a plain value owned by one session. Feed applies one scored
// frame and returns the resulting [Event]; it never blocks, performs no I/O
// and keeps no references to the caller's buffers. A session drives it from
// its read loop and calls Reset once the finished utterance has been handled.
//
//	Idle --(triggerFrames consecutive p > T)--> Speaking
//	Speaking --(silenceFramesEnd consecutive p <= T)--> Processing
//	Speaking --(maxUtteranceFrames reached)--> Processing
//	Processing --Reset--> Idle
package endpoint

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// State is the endpointing state of a session.
type State int

const (
	StateIdle State = iota
	StateSpeaking
	StateProcessing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateProcessing:
		return "processing"
	}
	return "unknown"
}

// Event reports what a call to [Machine.Feed] did.
type Event int

const (
	// EventNone: the frame was consumed without a state change (Idle frame
	// kept in the pre-roll ring, or Speaking frame appended).
	EventNone Event = iota

	// EventSpeechStarted: the frame completed the trigger run; the machine is
	// now Speaking and the utterance holds the pre-roll plus this frame.
	EventSpeechStarted

	// EventUtteranceReady: the frame ended the utterance; the machine is now
	// Processing and [Machine.Utterance] is final.
	EventUtteranceReady

	// EventDropped: the machine is Processing and ignored the frame.
	EventDropped
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSpeechStarted:
		return "speech_started"
	case EventUtteranceReady:
		return "utterance_ready"
	case EventDropped:
		return "dropped"
	}
	return "unknown"
}

// EndReason explains why an utterance was finalized.
type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndMaxDuration EndReason = "max_duration"
)

// Config holds the endpointing parameters.
type Config struct {
	// Threshold is the probability strictly above which a frame counts as
	// speech.
	Threshold float64

	// TriggerFrames is the number of consecutive speech frames required, while
	// idle, to start an utterance.
	TriggerFrames int

	// SilenceFramesEnd is the number of consecutive non-speech frames that end
	// an utterance.
	SilenceFramesEnd int

	// PreRollFrames is the capacity of the ring of frames kept while idle and
	// prepended to a new utterance.
	PreRollFrames int

	// MaxUtteranceFrames forces an utterance to end once it holds this many
	// frames. Zero means unlimited.
	MaxUtteranceFrames int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("endpoint: threshold %v outside [0, 1]", c.Threshold))
	}
	if c.TriggerFrames < 1 {
		errs = append(errs, fmt.Errorf("endpoint: trigger frames must be at least 1, got %d", c.TriggerFrames))
	}
	if c.SilenceFramesEnd < 1 {
		errs = append(errs, fmt.Errorf("endpoint: silence frames must be at least 1, got %d", c.SilenceFramesEnd))
	}
	if c.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("endpoint: pre-roll frames must not be negative, got %d", c.PreRollFrames))
	}
	if c.MaxUtteranceFrames < 0 {
		errs = append(errs, fmt.Errorf("endpoint: max utterance frames must not be negative, got %d", c.MaxUtteranceFrames))
	}
	return errors.Join(errs...)
}

// Machine is the endpointing state for one session. The zero value is not
// usable; create one with [New]. Not safe for concurrent use.
type Machine struct {
	cfg Config

	state        State
	triggerCount int
	silenceCount int

	preRoll   *audio.FrameRing
	utterance []byte
	frames    int
	preFrames int
	reason    EndReason
}

// New returns an idle Machine. It panics if cfg is invalid; validate first.
func New(cfg Config) *Machine {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return &Machine{
		cfg:     cfg,
		preRoll: audio.NewFrameRing(cfg.PreRollFrames),
	}
}

// Feed applies one validated frame with speech probability p.
func (m *Machine) Feed(frame []byte, p float64) Event {
	speech := p > m.cfg.Threshold

	switch m.state {
	case StateIdle:
		if !speech {
			m.triggerCount = 0
			m.preRoll.Push(frame)
			return EventNone
		}
		m.triggerCount++
		if m.triggerCount < m.cfg.TriggerFrames {
			// Onset frames below the trigger count stay in the ring so they
			// are part of the pre-roll once speech is confirmed.
			m.preRoll.Push(frame)
			return EventNone
		}
		m.start(frame)
		return EventSpeechStarted

	case StateSpeaking:
		m.append(frame)
		if speech {
			m.silenceCount = 0
		} else {
			m.silenceCount++
			if m.silenceCount >= m.cfg.SilenceFramesEnd {
				m.finalize(EndSilence)
				return EventUtteranceReady
			}
		}
		if m.cfg.MaxUtteranceFrames > 0 && m.frames >= m.cfg.MaxUtteranceFrames {
			m.finalize(EndMaxDuration)
			return EventUtteranceReady
		}
		return EventNone

	default:
		return EventDropped
	}
}

func (m *Machine) start(frame []byte) {
	m.state = StateSpeaking
	m.silenceCount = 0
	m.triggerCount = 0
	m.preFrames = m.preRoll.Len()
	m.utterance = m.preRoll.AppendTo(m.utterance[:0])
	m.frames = m.preFrames
	m.append(frame)
}

func (m *Machine) append(frame []byte) {
	m.utterance = append(m.utterance, frame...)
	m.frames++
}

func (m *Machine) finalize(reason EndReason) {
	m.state = StateProcessing
	m.reason = reason
	m.preRoll.Reset()
}

// Reset returns the machine to Idle and clears the utterance, the pre-roll
// ring and both counters. Call it when processing of the finished utterance
// has completed.
func (m *Machine) Reset() {
	m.state = StateIdle
	m.triggerCount = 0
	m.silenceCount = 0
	m.preRoll.Reset()
	m.utterance = m.utterance[:0]
	m.frames = 0
	m.preFrames = 0
	m.reason = ""
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Counters returns the trigger and silence counters.
func (m *Machine) Counters() (trigger, silence int) {
	return m.triggerCount, m.silenceCount
}

// PreRollLen returns the number of frames in the pre-roll ring.
func (m *Machine) PreRollLen() int { return m.preRoll.Len() }

// Utterance returns a copy of the bytes captured so far (pre-roll first).
func (m *Machine) Utterance() []byte {
	out := make([]byte, len(m.utterance))
	copy(out, m.utterance)
	return out
}

// UtteranceFrames returns the number of frames in the utterance and how many
// of them came from the pre-roll ring.
func (m *Machine) UtteranceFrames() (total, preRoll int) {
	return m.frames, m.preFrames
}

// EndReason returns why the last utterance was finalized. It is empty until
// the machine enters Processing.
func (m *Machine) EndReason() EndReason { return m.reason }

// Config returns the machine's configuration.
func (m *Machine) Config() Config { return m.cfg }
