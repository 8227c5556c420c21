package spin

import "fmt"

// State is the lifecycle of one spin session.
//
//	Idle -> Reserved -> Drawn -> Committed
//	Idle -> Reserved -> Aborted
//	Idle -> Reserved -> Drawn -> Aborted
//	Idle -> Reserved -> Drawn -> Replayed
//
// Replayed means a concurrent request with the same idempotency key
// committed first and its record was returned instead.
type State int

const (
	StateIdle State = iota
	StateReserved
	StateDrawn
	StateCommitted
	StateAborted
	StateReplayed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReserved:
		return "reserved"
	case StateDrawn:
		return "drawn"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateReplayed:
		return "replayed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateIdle:     {StateReserved},
	StateReserved: {StateDrawn, StateAborted},
	StateDrawn:    {StateCommitted, StateAborted, StateReplayed},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted || s == StateReplayed
}
