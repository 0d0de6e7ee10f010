package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// omissionKeywords are phrases models use when they elide code instead of writing it out.
var omissionKeywords = []string{"remain", "remains", "unchanged", "rest", "previous", "existing", "..."}

var commentPrefixes = []string{"//", "#", "/*", "*", "<!--", "--", "{/*", ";"}

// WriteFileTool writes whole files through a DiffSurface.
type WriteFileTool struct {
	surface   DiffSurface
	committer Committer
	logger    *logx.Logger
	workspace Workspace
}

// NewWriteFileTool creates a new write_to_file tool. committer may be nil.
func NewWriteFileTool(workspace Workspace, surface DiffSurface, committer Committer) *WriteFileTool {
	if surface == nil {
		surface = NewFileDiffSurface()
	}
	return &WriteFileTool{
		workspace: workspace,
		surface:   surface,
		committer: committer,
		logger:    logx.NewLogger("write_to_file"),
	}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string {
	return ToolWriteToFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *WriteFileTool) PromptDocumentation() string {
	return `## write_to_file
Write the complete content of a file, creating it and any parent directories if needed.
Always provide the full file. Never abbreviate with placeholders such as "// rest of code unchanged".
Parameters:
- path (required): path relative to the workspace
- content (required): the complete file content
Usage:
<write_to_file>
<path>src/app.ts</path>
<content>
...
</content>
</write_to_file>`
}

// Validate checks the completed parameters.
func (t *WriteFileTool) Validate(params map[string]string) error {
	if err := requireParams(params, "path"); err != nil {
		return err
	}
	if _, ok := params["content"]; !ok {
		return fmt.Errorf("%w 'content'", ErrMissingParam)
	}
	return nil
}

// Preview stages the content streamed so far and returns the diff against the file on disk.
func (t *WriteFileTool) Preview(ctx context.Context, inv *proto.ToolInvocation, final bool) (string, error) {
	rel := inv.Params["path"]
	if rel == "" {
		return "", nil
	}
	abs, err := t.workspace.Resolve(rel)
	if err != nil {
		return "", err
	}
	content := inv.Params["content"]
	if final {
		content = PreprocessContent(content)
	} else {
		content = stripLeadingFence(content)
	}
	return t.surface.Update(ctx, abs, content)
}

// Exec saves the staged content.
func (t *WriteFileTool) Exec(ctx context.Context, call *Call) (*Result, error) {
	rel := call.Param("path")
	abs, err := t.workspace.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if _, err := t.Preview(ctx, call.Invocation, true); err != nil {
		return nil, err
	}

	content := PreprocessContent(call.Param("content"))
	if original, existed := t.surface.Original(abs); existed && DetectCodeOmission(original, content) {
		t.logger.Warn("✂️ Truncated content detected in %s", rel)
		if err := t.surface.Revert(ctx, abs); err != nil {
			t.logger.Error("Failed to revert %s: %v", rel, err)
		}
		return Failure(fmt.Sprintf("The content for %s was not saved because some code appears to have been omitted. "+
			"Write the entire file without placeholders or truncation; phrases like \"remain\", \"remains\", \"unchanged\", "+
			"\"rest\", \"previous\", \"existing\" or \"...\" standing in for code are not allowed.", t.workspace.Readable(abs))), nil
	}

	if _, err := t.surface.Save(ctx, abs); err != nil {
		_ = t.surface.Revert(ctx, abs)
		return nil, err
	}
	t.surface.Close(abs)

	readable := t.workspace.Readable(abs)
	result := Success(fmt.Sprintf("The content was successfully saved to %s. Do not read the file again unless you forgot the content.", readable))

	if t.committer != nil {
		commit, err := t.committer.Commit(ctx, abs, fmt.Sprintf("write %s", readable))
		if err != nil {
			t.logger.Warn("Commit after write failed for %s: %v", readable, err)
		} else {
			result.Commit = commit
		}
	}
	return result, nil
}

// Revert discards staged or saved content for the invocation's path.
func (t *WriteFileTool) Revert(ctx context.Context, inv *proto.ToolInvocation) error {
	rel := inv.Params["path"]
	if rel == "" {
		return nil
	}
	abs, err := t.workspace.Resolve(rel)
	if err != nil {
		return nil //nolint:nilerr // nothing was staged for an invalid path
	}
	return t.surface.Revert(ctx, abs)
}

// PreprocessContent strips Markdown code fences and unescapes HTML entities models sometimes emit.
func PreprocessContent(content string) string {
	content = strings.TrimSpace(content)
	content = stripLeadingFence(content)
	if strings.HasSuffix(content, "```") {
		if i := strings.LastIndex(content, "\n"); i >= 0 {
			content = strings.TrimSpace(content[:i])
		} else {
			content = ""
		}
	}
	return strings.NewReplacer("&gt;", ">", "&lt;", "<", "&quot;", `"`).Replace(content)
}

func stripLeadingFence(content string) string {
	if !strings.HasPrefix(strings.TrimLeft(content, " \t\r\n"), "```") {
		return content
	}
	trimmed := strings.TrimLeft(content, " \t\r\n")
	i := strings.IndexByte(trimmed, '\n')
	if i < 0 {
		return ""
	}
	return strings.TrimLeft(trimmed[i+1:], "\r\n")
}

// DetectCodeOmission reports whether newContent contains a comment standing in for code that
// the original file had. Comments already present in the original never count.
func DetectCodeOmission(original, newContent string) bool {
	if strings.TrimSpace(original) == "" {
		return false
	}
	for _, line := range strings.Split(newContent, "\n") {
		trimmed := strings.TrimSpace(line)
		if !isCommentLine(trimmed) || strings.Contains(original, trimmed) {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, keyword := range omissionKeywords {
			if strings.Contains(lower, keyword) {
				return true
			}
		}
	}
	return false
}

func isCommentLine(line string) bool {
	for _, prefix := range commentPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
