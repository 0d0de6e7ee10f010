package proto

// AskKind identifies a question posed through the approval channel.
type AskKind string

const (
	AskTool             AskKind = "tool"
	AskFollowup         AskKind = "followup"
	AskResumeTask       AskKind = "resume_task"
	AskAPIRequestFailed AskKind = "api_req_failed"
	AskCommand          AskKind = "command"
)

// SayKind identifies a display notification.
type SayKind string

const (
	SayText            SayKind = "text"
	SayUserFeedback    SayKind = "user_feedback"
	SayAPIReqStarted   SayKind = "api_req_started"
	SayAPIReqRetried   SayKind = "api_req_retried"
	SayError           SayKind = "error"
	SayUnauthorized    SayKind = "unauthorized"
	SayPaymentRequired SayKind = "payment_required"
	SayCompletion      SayKind = "completion_result"
	SayInfo            SayKind = "info"
)

// ResponseKind classifies an approval-channel answer.
type ResponseKind string

const (
	ResponseYes     ResponseKind = "yes"
	ResponseNo      ResponseKind = "no"
	ResponseMessage ResponseKind = "message"
)

// AskResponse is the answer to an ask.
type AskResponse struct {
	Response ResponseKind `json:"response"`
	Text     string       `json:"text,omitempty"`
	Images   []string     `json:"images,omitempty"`
}

// Yes returns an approving response.
func Yes() AskResponse {
	return AskResponse{Response: ResponseYes}
}

// No returns a declining response.
func No() AskResponse {
	return AskResponse{Response: ResponseNo}
}

// Message returns a free-form response.
func Message(text string, images ...string) AskResponse {
	return AskResponse{Response: ResponseMessage, Text: text, Images: images}
}

// HasContent reports whether the response carries text or images.
func (r *AskResponse) HasContent() bool {
	return r.Text != "" || len(r.Images) > 0
}

// AskPayload is what an ask shows. Tool asks carry the invocation, question asks carry Question.
type AskPayload struct {
	Tool     *ToolInvocation `json:"tool,omitempty"`
	Question string          `json:"question,omitempty"`
	Diff     string          `json:"diff,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SayOptions carries optional display attributes.
type SayOptions struct {
	Ts       int64
	SubAgent bool
}

// MessageType distinguishes asks from says in the UI log.
type MessageType string

const (
	MessageAsk MessageType = "ask"
	MessageSay MessageType = "say"
)

// UIMessage is one entry of the UI-facing message log.
type UIMessage struct {
	Tool       *ToolInvocation `json:"tool,omitempty"`
	APIMetrics *Usage          `json:"api_metrics,omitempty"`
	Type       MessageType     `json:"type"`
	Ask        AskKind         `json:"ask,omitempty"`
	Say        SayKind         `json:"say,omitempty"`
	Text       string          `json:"text,omitempty"`
	ErrorText  string          `json:"error_text,omitempty"`
	Images     []string        `json:"images,omitempty"`
	Ts         int64           `json:"ts"`
	IsError    bool            `json:"is_error,omitempty"`
	IsDone     bool            `json:"is_done,omitempty"`
	SubAgent   bool            `json:"sub_agent,omitempty"`
}
