package session

import "sync/atomic"

// State is a session's lifecycle phase. States only move forward.
type State int32

const (
	// Initializing: the recognizer is being constructed. No audio is accepted.
	Initializing State = iota
	// Ready: the recognizer exists but no audio has been fed yet.
	Ready
	// Streaming: at least one frame reached the recognizer.
	Streaming
	// Closing: teardown has started.
	Closing
	// Closed: every goroutine has exited and the connection is closed.
	Closed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateBox holds a State that only moves forward.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

// advance moves to next if it is later than the current state and reports
// whether it did.
func (b *stateBox) advance(next State) bool {
	for {
		cur := b.v.Load()
		if State(cur) >= next {
			return false
		}
		if b.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// transition moves from exactly from to to.
func (b *stateBox) transition(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}
