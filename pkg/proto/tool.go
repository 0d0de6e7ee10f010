package proto

// ApprovalState tracks a tool invocation through the approval channel.
type ApprovalState string

const (
	ApprovalLoading  ApprovalState = "loading"
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalError    ApprovalState = "error"
)

// String returns the string representation of the approval state.
func (s ApprovalState) String() string {
	return string(s)
}

// IsTerminal reports whether the state is final.
func (s ApprovalState) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalError
}

// CanTransitionTo reports whether moving from s to next keeps the state monotonic:
// loading -> pending -> {approved, rejected, error}. Repeating a non-terminal state is an update.
func (s ApprovalState) CanTransitionTo(next ApprovalState) bool {
	switch s {
	case "":
		return true
	case ApprovalLoading:
		return next != ""
	case ApprovalPending:
		return next != "" && next != ApprovalLoading
	default:
		return false
	}
}

// ToolInvocation is a tool call detected in the model output.
type ToolInvocation struct {
	Params        map[string]string `json:"params"`
	ID            string            `json:"id"`
	Name          string            `json:"tool"`
	ApprovalState ApprovalState     `json:"approval_state"`
	Ts            int64             `json:"ts"`
	Partial       bool              `json:"partial"`
}

// Clone returns a copy with its own params map.
func (t *ToolInvocation) Clone() *ToolInvocation {
	if t == nil {
		return nil
	}
	out := *t
	out.Params = make(map[string]string, len(t.Params))
	for k, v := range t.Params {
		out.Params[k] = v
	}
	return &out
}

// ToolStatus is the outcome of a tool invocation.
type ToolStatus string

const (
	ToolSuccess  ToolStatus = "success"
	ToolError    ToolStatus = "error"
	ToolRejected ToolStatus = "rejected"
	ToolFeedback ToolStatus = "feedback"
)

// ToolResult is produced by the dispatcher and folded into the next user turn.
type ToolResult struct {
	Commit  *CommitAttributes `json:"commit,omitempty"`
	ToolID  string            `json:"tool_id"`
	Name    string            `json:"name"`
	Status  ToolStatus        `json:"status"`
	Payload Content           `json:"payload"`
}

// NewToolResult creates a result with a single text payload block.
func NewToolResult(id, name string, status ToolStatus, text string) ToolResult {
	return ToolResult{ToolID: id, Name: name, Status: status, Payload: NewTextContent(text)}
}
