package server

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"chatrelay/metrics"
)

// State is a session lifecycle state.
type State string

const (
	Connected     State = "CONNECTED"
	Authenticated State = "AUTHENTICATED"
	Rejected      State = "REJECTED"
	Closed        State = "CLOSED"
)

var ErrInvalidTransition = errors.New("invalid session state transition")

// validTransitions defines allowed state transitions. Rejected and Closed are terminal.
var validTransitions = map[State][]State{
	Connected:     {Authenticated, Rejected, Closed},
	Authenticated: {Closed},
}

// stateMachine tracks and enforces session state transitions.
type stateMachine struct {
	mu      sync.RWMutex
	current State
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: Connected}
}

func (m *stateMachine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state. Returns ErrInvalidTransition if not allowed.
func (m *stateMachine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to

	if to == Authenticated {
		metrics.AuthenticatedSessions.Inc()
	}
	if from == Authenticated {
		metrics.AuthenticatedSessions.Dec()
	}
	return nil
}
