// Package remotehost defines the uniform RemoteHost lifecycle shared by the
// three provider backends (Proxmox LXC, the VM-snapshot cloud API, and the
// Firecracker-style micro-VM API), grounded in providers/base.py's
// BaseInstance/BaseProvider abstraction.
package remotehost

import "fmt"

// State is a RemoteHost's lifecycle stage.
type State int

const (
	StatePending State = iota
	StateBooting
	StateReady
	StateRunning
	StateStopping
	StateStopped
	StateFailed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBooting:
		return "booting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// allowedTransitions enumerates the legal state machine edges. Any
// transition not listed here is rejected by Machine.Transition. destroy()
// is the one exception: every state (including StateDestroyed itself, for
// idempotence) may transition to StateDestroyed directly, so it is applied
// as a blanket rule in Transition rather than listed per-state here.
var allowedTransitions = map[State][]State{
	StatePending:   {StateBooting, StateFailed},
	StateBooting:   {StateReady, StateFailed},
	StateReady:     {StateRunning, StateStopping, StateFailed},
	StateRunning:   {StateStopping, StateFailed},
	StateStopping:  {StateStopped, StateFailed},
	StateStopped:   {StateBooting}, // a stopped host may be restarted for the next preset
	StateFailed:    {},             // terminal
	StateDestroyed: {},             // terminal
}

// Machine tracks one RemoteHost's current state and enforces the
// transition table.
type Machine struct {
	current State
}

// NewMachine returns a Machine starting in StatePending.
func NewMachine() *Machine {
	return &Machine{current: StatePending}
}

// Current returns the current state.
func (m *Machine) Current() State { return m.current }

// Transition moves to next if the edge is legal, otherwise returns an error
// naming both states. Transitioning to StateDestroyed is always legal,
// from any current state, matching destroy()'s documented "from any state
// -> Destroyed (idempotent)" behavior.
func (m *Machine) Transition(next State) error {
	if next == StateDestroyed {
		m.current = StateDestroyed
		return nil
	}
	for _, allowed := range allowedTransitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return fmt.Errorf("remotehost: illegal state transition %s -> %s", m.current, next)
}
