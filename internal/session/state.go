package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkruglov/phantom/internal/bus"
)

// State represents a client runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed runtime state transitions.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Error},
	Syncing:      {Ready, Reconnecting, Error},
	Ready:        {Reconnecting, AuthRequired, Error},
	Reconnecting: {Connecting, Error},
	Error:        {Booting},
}

// Machine tracks and enforces client runtime state transitions.
//
// This is the connection lifecycle of the whole client, not the per-message
// delivery lifecycle; that one lives in the tracker package.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.SessionStateChanged,
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StateChange is the payload for runtime state change events.
type StateChange struct {
	From State
	To   State
}
