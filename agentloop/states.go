package agentloop

// State is the session's position in the conversation state machine. It is
// recorded in every checkpoint so resume knows whether a turn was in flight.
type State string

const (
	// StateAwaitInput means no turn is in progress; Send may be called.
	StateAwaitInput State = "await_input"
	// StateModelTurn means a model call is due for the current history.
	StateModelTurn State = "model_turn"
	// StateToolTurn means the latest assistant message has unanswered tool
	// calls that must be dispatched before the next model call.
	StateToolTurn State = "tool_turn"
	// StateTerminated means the session is closed and accepts no input.
	StateTerminated State = "terminated"
)

// valid reports whether s is one of the defined machine states.
func (s State) valid() bool {
	switch s {
	case StateAwaitInput, StateModelTurn, StateToolTurn, StateTerminated:
		return true
	}
	return false
}
