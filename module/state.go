// Package module holds the module descriptor registry and the
// lifecycle controller that starts, stops, and restarts modules with
// one serialized transition per module.
package module

// State is the authoritative lifecycle state of a module. Exactly one
// value exists per module, owned by the lifecycle controller.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateStarting
	StateRunning
	StateDegraded
	StateStopping
	StateStopped
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canStart reports whether a start transition is allowed from s.
func (s State) canStart() bool {
	switch s {
	case StateRegistered, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// canStop reports whether a stop transition is allowed from s.
func (s State) canStop() bool {
	switch s {
	case StateRunning, StateDegraded, StateFailed:
		return true
	default:
		return false
	}
}
