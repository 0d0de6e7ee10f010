package engine

import (
	"errors"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

var (
	// ErrInvalidTransition is returned for a state change the transition table does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTaskAborting is returned when an operation starts while an abort is unwinding.
	ErrTaskAborting = errors.New("task is aborting")
	// ErrWrongState is returned when an operation is called in a state that does not accept it.
	ErrWrongState = errors.New("operation not allowed in current state")
)

// TransitionTable represents valid task state transitions.
type TransitionTable map[proto.TaskState][]proto.TaskState

// TaskTransitions is the canonical transition table of a task.
//
//nolint:gochecknoglobals // read-only table
var TaskTransitions = TransitionTable{
	// IDLE is the entry state and where blocking auth/billing failures land
	proto.StateIdle: {proto.StateWaitingForAPI},

	proto.StateWaitingForAPI: {
		proto.StateProcessingResponse,
		proto.StateWaitingForUser, // pause-next answered no
		proto.StateCompleted,      // error prompt abandoned
		proto.StateIdle,           // unauthorized or payment required
		proto.StateAborted,
	},

	proto.StateProcessingResponse: {
		proto.StateWaitingForAPI, // tool results or directive loop
		proto.StateWaitingForUser,
		proto.StateCompleted,
		proto.StateIdle,
		proto.StateAborted,
	},

	proto.StateWaitingForUser: {proto.StateWaitingForAPI, proto.StateCompleted, proto.StateAborted},

	// A completed task can be continued with a new message
	proto.StateCompleted: {proto.StateWaitingForAPI, proto.StateIdle},

	proto.StateAborted: {proto.StateWaitingForAPI, proto.StateCompleted},
}

// IsValidTransition reports whether the table allows from → to. Staying in a state is always valid.
func (t TransitionTable) IsValidTransition(from, to proto.TaskState) bool {
	if from == to {
		return true
	}
	for _, allowed := range t[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
