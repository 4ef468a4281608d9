package session

import (
	"fmt"
	"slices"
)

// State is a session's lifecycle state.
type State string

// Lifecycle states.
const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	// StateDegraded means the session lost its last connection abnormally
	// (heartbeat timeout or transport error) and is waiting for a reattach.
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateCreated:  {StateStarting, StateError},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateDegraded, StateError},
	StateDegraded: {StateRunning, StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  nil,
	StateError:    nil,
}

// ValidStates returns every state in lifecycle order.
func ValidStates() []State {
	return []State{StateCreated, StateStarting, StateRunning, StateDegraded, StateStopping, StateStopped, StateError}
}

// ParseState converts a string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown session state %q", s)
	}
	return st, nil
}

func (s State) String() string {
	return string(s)
}

// CanTransitionTo reports whether the state machine allows s -> to.
func (s State) CanTransitionTo(to State) bool {
	return slices.Contains(transitions[s], to)
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateError
}

// IsLive reports whether a session in this state still owns its workdir for
// the purpose of CreateSession idempotence.
func (s State) IsLive() bool {
	switch s {
	case StateCreated, StateStarting, StateRunning, StateDegraded:
		return true
	default:
		return false
	}
}

// Accepting reports whether the session server should admit new connections.
func (s State) Accepting() bool {
	return s == StateRunning || s == StateDegraded
}
