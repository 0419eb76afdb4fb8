package pipeline

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"mediaenhancer/internal/log"
)

// State is a video stage state.
type State string

const (
	StateIdle       State = "idle"
	StateReading    State = "reading"
	StateEnhancing  State = "enhancing"
	StateWriting    State = "writing"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// isValidTransition enforces the allowed video stage state machine edges.
func isValidTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	switch from {
	case StateIdle:
		return to == StateReading
	case StateReading:
		return to == StateEnhancing || to == StateFinalizing
	case StateEnhancing:
		return to == StateWriting
	case StateWriting:
		return to == StateReading
	case StateFinalizing:
		return to == StateDone
	default:
		return false
	}
}

// stateTracker holds the state of one video stage run.
type stateTracker struct {
	mu      sync.Mutex
	current State
	logger  zerolog.Logger
	hook    func(from, to State)
}

func newStateTracker(logger zerolog.Logger, hook func(from, to State)) *stateTracker {
	return &stateTracker{current: StateIdle, logger: logger, hook: hook}
}

// to applies a transition. Invalid transitions are rejected and leave the state unchanged.
func (t *stateTracker) to(next State) error {
	t.mu.Lock()
	from := t.current
	if !isValidTransition(from, next) {
		t.mu.Unlock()
		return fmt.Errorf("invalid video stage transition: %s -> %s", from, next)
	}
	t.current = next
	t.mu.Unlock()

	// Per-frame transitions are not logged.
	if next == StateFinalizing || next.Terminal() || from == StateIdle {
		t.logger.Debug().
			Str(log.FieldOldState, string(from)).
			Str(log.FieldNewState, string(next)).
			Msg("video stage state changed")
	}
	if t.hook != nil {
		t.hook(from, next)
	}
	return nil
}

func (t *stateTracker) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
