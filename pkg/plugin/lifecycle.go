package plugin

// State is the lifecycle state of a plugin instance.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// validTransitions is linear: a stopped plugin never runs again.
var validTransitions = map[State]map[State]bool{
	StateCreated:       {StateRunning: true},
	StateRunning:       {StateStopRequested: true},
	StateStopRequested: {StateStopped: true},
	StateStopped:       {},
}

// ValidTransition returns true if transitioning from one state to another is allowed.
func ValidTransition(from, to State) bool {
	return validTransitions[from][to]
}
