package engine

import (
	"strings"

	"github.com/jasonkneen/claude-coder/pkg/tools"
)

// Canned turn texts.
const (
	ContinueText          = "Let's continue with the task, from where we left off."
	EmptyBlockText        = "The user didn't provide any content, please continue"
	PauseContinueText     = "Please continue the task from where we left off."
	PauseImagesText       = "Please check the images below for more information and continue the task from where we left off."
	InterruptedReplyText  = "the response was interrupted in the middle of processing"
	ErrorReplyText        = "An error occurred in the generation of the response. Please try again."
	EmptyReplyText        = "Failed to generate a response, please try again."
	NoToolDirectiveText   = "You must use a tool to proceed. Either use attempt_completion if you've completed the task, or ask_followup_question if you need more information."
	CompletedReplyText    = "Task completed successfully."
	RequestCancelledText  = "Request cancelled by user"
	PauseQuestion         = "Do you want to continue with the task?"
	ResumeAfterAbortQuery = "Task was interrupted before the last response could be generated. Would you like to resume the task?"
)

const basePrompt = `You are a software engineering agent working inside the user's workspace.
You accomplish the task step by step by calling exactly one tool per message and waiting for its result.

# Tool use
Tools are called with XML-style tags. The tool name is the outer tag and each parameter is an inner tag:

<tool_name>
<parameter_name>value</parameter_name>
</tool_name>

Rules:
- Use one tool per message and wait for the <tool_response> before continuing.
- When the task is done, use attempt_completion. If information is missing, use ask_followup_question.
- Never describe a tool call without making it.`

// BuildSystemPrompt renders the system prompt for the registry. A non-empty override replaces the base text.
func BuildSystemPrompt(override string, registry *tools.Registry) string {
	var sb strings.Builder
	if strings.TrimSpace(override) != "" {
		sb.WriteString(strings.TrimSpace(override))
	} else {
		sb.WriteString(basePrompt)
	}
	if registry != nil {
		sb.WriteString("\n\n# Tools\n\n")
		sb.WriteString(registry.PromptDocumentation())
	}
	return sb.String()
}
