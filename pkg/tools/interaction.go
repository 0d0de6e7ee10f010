package tools

import (
	"context"
	"fmt"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// AskFollowupTool asks the user a question. The answer is the result.
type AskFollowupTool struct{}

// NewAskFollowupTool creates a new ask_followup_question tool.
func NewAskFollowupTool() *AskFollowupTool {
	return &AskFollowupTool{}
}

// Name returns the tool name.
func (t *AskFollowupTool) Name() string {
	return ToolAskFollowup
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *AskFollowupTool) PromptDocumentation() string {
	return `## ask_followup_question
Ask the user a question when required information is missing.
Parameters:
- question (required): the question to ask
Usage:
<ask_followup_question>
<question>Which database should the migration target?</question>
</ask_followup_question>`
}

// Validate checks the completed parameters.
func (t *AskFollowupTool) Validate(params map[string]string) error {
	return requireParams(params, "question")
}

// AskFor poses the question itself instead of a tool approval.
func (t *AskFollowupTool) AskFor(inv *proto.ToolInvocation) (proto.AskKind, proto.AskPayload) {
	return proto.AskFollowup, proto.AskPayload{Tool: inv, Question: inv.Params["question"]}
}

// ConsumesAnswer reports that typed text is the answer.
func (t *AskFollowupTool) ConsumesAnswer() bool {
	return true
}

// Exec returns the user's answer.
func (t *AskFollowupTool) Exec(_ context.Context, call *Call) (*Result, error) {
	answer := call.Response.Text
	if answer == "" {
		answer = string(call.Response.Response)
	}
	return &Result{
		Status: proto.ToolSuccess,
		Text:   fmt.Sprintf("<answer>\n%s\n</answer>", answer),
		Images: call.Response.Images,
	}, nil
}

// AttemptCompletionTool presents the final result for the user's acceptance.
type AttemptCompletionTool struct{}

// NewAttemptCompletionTool creates a new attempt_completion tool.
func NewAttemptCompletionTool() *AttemptCompletionTool {
	return &AttemptCompletionTool{}
}

// Name returns the tool name.
func (t *AttemptCompletionTool) Name() string {
	return ToolAttemptCompletion
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *AttemptCompletionTool) PromptDocumentation() string {
	return `## attempt_completion
Present the result once the task is complete. The user may accept it or reply with feedback.
Parameters:
- result (required): a summary of what was done
Usage:
<attempt_completion>
<result>Fixed the off-by-one error in a.ts and added a test.</result>
</attempt_completion>`
}

// Validate checks the completed parameters.
func (t *AttemptCompletionTool) Validate(params map[string]string) error {
	return requireParams(params, "result")
}

// ConsumesAnswer reports that typed text is feedback on the result.
func (t *AttemptCompletionTool) ConsumesAnswer() bool {
	return true
}

// Exec maps the user's verdict on the result.
func (t *AttemptCompletionTool) Exec(_ context.Context, call *Call) (*Result, error) {
	if call.Response.HasContent() {
		return &Result{
			Status: proto.ToolFeedback,
			Text:   fmt.Sprintf("The user is not satisfied with the result and provided the following feedback:\n<feedback>\n%s\n</feedback>", call.Response.Text),
			Images: call.Response.Images,
		}, nil
	}
	return Success("The user accepted the result."), nil
}
