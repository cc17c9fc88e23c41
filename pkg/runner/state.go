package runner

// State is the controller's run state.
//
//	Idle -> Running -> {Finished, Stopped, Aborted} -> Idle
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFinished
	StateStopped
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateStopped:
		return "stopped"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateStopped || s == StateAborted
}

// StatusText is the short human-readable status shown for a terminal state.
func (s State) StatusText() string {
	switch s {
	case StateFinished:
		return "Done"
	case StateStopped:
		return "Stopped"
	case StateAborted:
		return "Aborted"
	case StateRunning:
		return "Running"
	default:
		return "Idle"
	}
}
