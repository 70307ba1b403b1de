package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/duochat/duochat/internal/bus"
)

// State represents a session connection state.
type State string

const (
	// Disconnected means no transport channel is open.
	Disconnected State = "DISCONNECTED"
	// Connecting means the transport is being dialed.
	Connecting State = "CONNECTING"
	// AwaitingSession means the signed online-status proof has been
	// emitted and the server has not yet answered with session data.
	AwaitingSession State = "AWAITING_SESSION"
	// Active means the server has issued a session token and chat data.
	Active State = "ACTIVE"
	// Rejected means the server refused the signed handshake.
	Rejected State = "REJECTED"
)

// validTransitions defines allowed state transitions. Any connected
// state may fall back to Disconnected when the transport drops, and a
// rejected session may be retried by dialing again.
var validTransitions = map[State][]State{
	Disconnected:    {Connecting},
	Connecting:      {AwaitingSession, Disconnected, Rejected},
	AwaitingSession: {Active, Rejected, Disconnected},
	Active:          {Rejected, Disconnected},
	Rejected:        {Connecting, Disconnected},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindStatusChanged, Change{From: from, To: to})
	}
	return nil
}

// Change is the payload for status change events.
type Change struct {
	From State
	To   State
}
