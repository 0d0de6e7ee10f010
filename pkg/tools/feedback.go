package tools

import (
	"fmt"
	"strings"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Canned texts shared with the engine.
const (
	DeniedText      = "The user denied this operation."
	InterruptedText = "Task was interrupted before this tool call could be completed."
	IncompleteText  = "The tool call was incomplete: the response ended before the closing tag. Please send the complete tool call again."
)

// FormatGenericToolFeedback wraps user feedback given instead of an approval.
func FormatGenericToolFeedback(feedback string) string {
	return fmt.Sprintf("The user denied this operation and provided the following feedback:\n<feedback>\n%s\n</feedback>", feedback)
}

// FormatToolResult renders a result as user-turn content for the model.
func FormatToolResult(result *proto.ToolResult) proto.Content {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<tool_response tool=%q status=%q>\n", result.Name, result.Status)
	sb.WriteString(strings.TrimRight(result.Payload.Text(), "\n"))
	sb.WriteString("\n</tool_response>")

	content := proto.NewTextContent(sb.String())
	for _, block := range result.Payload {
		if block.Type == proto.BlockImage {
			content = append(content, block)
		}
	}
	return content
}

// FormatToolResults renders results in order. An empty list yields nil.
func FormatToolResults(results []proto.ToolResult) proto.Content {
	var content proto.Content
	for i := range results {
		content = append(content, FormatToolResult(&results[i])...)
	}
	return content
}

func toToolResult(inv *proto.ToolInvocation, res *Result) proto.ToolResult {
	out := proto.NewToolResult(inv.ID, inv.Name, res.Status, res.Text)
	out.Payload = out.Payload.WithImages(res.Images)
	out.Commit = res.Commit
	return out
}
