// Package proto defines the data model shared by the task engine, the tool dispatcher and the model clients.
package proto

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	// StateIdle means no request loop is running.
	StateIdle TaskState = "IDLE"
	// StateWaitingForAPI means a model request is about to be issued or is being opened.
	StateWaitingForAPI TaskState = "WAITING_FOR_API"
	// StateProcessingResponse means a response stream is being consumed.
	StateProcessingResponse TaskState = "PROCESSING_RESPONSE"
	// StateWaitingForUser means the engine needs new input before continuing.
	StateWaitingForUser TaskState = "WAITING_FOR_USER"
	// StateCompleted means the task finished or was abandoned.
	StateCompleted TaskState = "COMPLETED"
	// StateAborted means the task was cancelled by the user.
	StateAborted TaskState = "ABORTED"
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	return string(s)
}

// AllTaskStates returns every task state.
func AllTaskStates() []TaskState {
	return []TaskState{
		StateIdle,
		StateWaitingForAPI,
		StateProcessingResponse,
		StateWaitingForUser,
		StateCompleted,
		StateAborted,
	}
}
