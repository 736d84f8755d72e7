// state.go implements per-host session state tracking for the sshpool package.
//
// Each host has a State (Disconnected, Connecting, Authenticated, Busy,
// Failed, Closed) updated by the Manager and Session lifecycle methods.
// Transitions are recorded in a per-host ring buffer (50 entries) for
// debugging, and registered callbacks are invoked on every change so a
// presentation layer can render connection status.

package sshpool

import (
	"sync"
	"time"
)

// State represents the lifecycle state of a host session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateBusy
	StateFailed
	StateClosed
)

// String returns the human-readable name of the session state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateTransitionBufferSize is the maximum number of state transitions stored
// per host for debugging.
const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called when a host's session state changes.
// Callbacks are invoked synchronously; long-running handlers should spawn
// goroutines.
type StateChangeCallback func(profileID string, from, to State)

// stateEntry tracks the current state and transition history for one host.
type stateEntry struct {
	current     State
	transitions [stateTransitionBufferSize]StateTransition // fixed-size ring buffer
	head        int                                        // next write position
	count       int                                        // total entries written (capped at buffer size for reads)
}

// record adds a state transition to the ring buffer.
func (e *stateEntry) record(from, to State, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the state transitions in chronological order.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}

	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		// Buffer is full, head is the oldest entry.
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// stateTracker manages per-host session state, transition history, and state
// change callbacks. It is embedded in Manager and shared with its Sessions.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states: make(map[string]*stateEntry),
	}
}

// setState updates the session state for a host, records the transition, and
// invokes callbacks. If the state is unchanged, this is a no-op.
func (st *stateTracker) setState(profileID string, state State, reason string) {
	st.mu.Lock()
	entry, ok := st.states[profileID]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[profileID] = entry
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason)

	// Copy callbacks under lock, invoke outside lock.
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(profileID, from, state)
	}
}

// getState returns the current session state for a host.
// Returns StateDisconnected if the host has no tracked state.
func (st *stateTracker) getState(profileID string) State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[profileID]
	if !ok {
		return StateDisconnected
	}
	return entry.current
}

// getTransitions returns the state transition history for a host in
// chronological order (oldest first).
func (st *stateTracker) getTransitions(profileID string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[profileID]
	if !ok {
		return nil
	}
	return entry.history()
}

// onStateChange registers a callback for state changes.
func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
