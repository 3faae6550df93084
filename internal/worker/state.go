package worker

import "fmt"

// State is a worker's lifecycle position. It only moves forward.
type State int

const (
	// StateStarting is the zero value, before the process exists.
	StateStarting State = iota
	StateSpawned
	StateReady
	StateTerminated
	StateFailed
)

var stateNames = [...]string{"starting", "spawned", "ready", "terminated", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// canTransition encodes Spawned → Ready → Terminated | Failed, with Spawned →
// Failed for workers that never report.
func canTransition(from, to State) bool {
	switch from {
	case StateStarting:
		return to == StateSpawned
	case StateSpawned:
		return to == StateReady || to == StateFailed
	case StateReady:
		return to == StateTerminated || to == StateFailed
	default:
		return false
	}
}
