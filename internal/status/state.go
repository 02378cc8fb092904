package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/gmarchive/internal/bus"
)

// State is a step of the sync run.
type State string

const (
	Idle          State = "IDLE"
	Listing       State = "LISTING"
	Fetching      State = "FETCHING"
	Upserting     State = "UPSERTING"
	Checkpointing State = "CHECKPOINTING"
	Backoff       State = "BACKOFF"
	Failed        State = "FAILED"
)

// validTransitions defines allowed state transitions. BACKOFF only returns to
// the step that entered it, which Resume enforces.
var validTransitions = map[State][]State{
	Idle:          {Listing, Failed},
	Listing:       {Fetching, Backoff, Failed},
	Fetching:      {Upserting, Backoff, Failed},
	Upserting:     {Checkpointing, Backoff, Failed},
	Checkpointing: {Listing, Idle, Failed},
	Backoff:       {Listing, Fetching, Upserting, Failed},
	Failed:        {Idle},
}

// Machine tracks and enforces sync state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	resume  State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
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
	return m.transitionLocked(to)
}

// EnterBackoff moves to Backoff and remembers the step to resume.
func (m *Machine) EnterBackoff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.current
	if err := m.transitionLocked(Backoff); err != nil {
		return err
	}
	m.resume = from
	return nil
}

// Resume leaves Backoff for the step that entered it.
func (m *Machine) Resume() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Backoff {
		return m.current, fmt.Errorf("resume from %s: not in %s", m.current, Backoff)
	}
	to := m.resume
	if err := m.transitionLocked(to); err != nil {
		return m.current, err
	}
	m.resume = ""
	return to, nil
}

// Fail moves to Failed from any state other than Failed itself.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Failed {
		return
	}
	_ = m.transitionLocked(Failed)
}

// Reset returns a Failed machine to Idle so the next run can start.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Failed {
		_ = m.transitionLocked(Idle)
	}
	m.resume = ""
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindStateChanged, Change{From: from, To: to})
	return nil
}

// Change is the payload for state change events.
type Change struct {
	From State
	To   State
}
