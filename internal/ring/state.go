package ring

import "sync/atomic"

// State is the membership state of a node.
type State uint32

const (
	Uninitialized State = iota
	Joining
	Active
	Departing
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Joining:
		return "JOINING"
	case Active:
		return "ACTIVE"
	case Departing:
		return "DEPARTING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// AtomicState holds a State with compare-and-swap transitions.
type AtomicState struct {
	v atomic.Uint32
}

// NewState returns an AtomicState starting at s.
func NewState(s State) *AtomicState {
	a := &AtomicState{}
	a.v.Store(uint32(s))
	return a
}

// Transition moves from expected to next, failing if the current state differs.
func (a *AtomicState) Transition(expected, next State) bool {
	return a.v.CompareAndSwap(uint32(expected), uint32(next))
}

// Get returns the current state.
func (a *AtomicState) Get() State {
	return State(a.v.Load())
}

// Set forces the state. Used for rollbacks.
func (a *AtomicState) Set(s State) {
	a.v.Store(uint32(s))
}

// Snapshot is a point-in-time view of a node, used by the console and admin API.
// Range is nil while the node owns no identifiers.
type Snapshot struct {
	ID          int    `json:"id"`
	State       string `json:"state"`
	Address     string `json:"address"`
	Range       *Range `json:"range,omitempty"`
	Predecessor Peer   `json:"predecessor"`
	Successor   Peer   `json:"successor"`
	Keys        int    `json:"keys"`
}
