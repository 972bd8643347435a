package agent

import (
	"github.com/meanderings/gateway/backend/model"
)

// State is the position of a turn in the orchestration loop.
type State int

const (
	StateAwaitingCall State = iota
	StateInFlight
	StateToolRequested
	StateExecutingTool
	StateResultAppended
	StateFinal
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingCall:
		return "AWAITING_CALL"
	case StateInFlight:
		return "IN_FLIGHT"
	case StateToolRequested:
		return "TOOL_REQUESTED"
	case StateExecutingTool:
		return "EXECUTING_TOOL"
	case StateResultAppended:
		return "RESULT_APPENDED"
	case StateFinal:
		return "FINAL"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

var transitions = map[State][]State{
	StateAwaitingCall:   {StateInFlight},
	StateInFlight:       {StateToolRequested, StateFinal},
	StateToolRequested:  {StateExecutingTool},
	StateExecutingTool:  {StateResultAppended},
	StateResultAppended: {StateAwaitingCall},
	StateFinal:          {StateDone},
}

// CanTransition reports whether to may follow from. ERROR is reachable from
// every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PendingToolCall is the tool request the loop is currently working on.
type PendingToolCall struct {
	Call model.ToolCallInfo
	Text string
}

// ConversationState is the mutable state of one MakeAPICall invocation.
type ConversationState struct {
	State   State
	History []model.Message
	Pending *PendingToolCall
	// Turn counts provider calls made so far.
	Turn      int
	ToolCalls int
	Usage     model.Usage
}

// Transition is reported to a StateObserver on every state change.
type Transition struct {
	From State
	To   State
	Turn int
}

type StateObserver func(Transition)
