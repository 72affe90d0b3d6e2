package sessions

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting      State = "connecting"
	StateQRPending       State = "qr_pending"
	StateOpen            State = "open"
	StateClosedTransient State = "closed_transient"
	StateClosedTerminal  State = "closed_terminal"
)

var transitions = map[State][]State{
	StateConnecting:      {StateQRPending, StateOpen, StateClosedTransient, StateClosedTerminal},
	StateQRPending:       {StateQRPending, StateOpen, StateClosedTransient, StateClosedTerminal},
	StateOpen:            {StateClosedTransient, StateClosedTerminal},
	StateClosedTransient: {StateConnecting, StateClosedTerminal},
	StateClosedTerminal:  nil,
}

// CanTransition reports whether next is a legal successor of s.
func (s State) CanTransition(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool { return s == StateClosedTerminal }

func (s State) String() string { return string(s) }
