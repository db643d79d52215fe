package session

// State is the session lifecycle. One tagged value instead of independent
// booleans, so "generating while not active" cannot be represented.
type State int

const (
	StateIdle State = iota
	StateResumePending
	StateListening
	StateGenerating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResumePending:
		return "resume-pending"
	case StateListening:
		return "listening"
	case StateGenerating:
		return "generating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Active reports whether an interview is in progress.
func (s State) Active() bool {
	return s == StateListening || s == StateGenerating
}
