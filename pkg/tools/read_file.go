package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const defaultMaxReadBytes = 1048576

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	workspace    Workspace
	maxSizeBytes int64
}

// NewReadFileTool creates a new read_file tool.
func NewReadFileTool(workspace Workspace, maxSizeBytes int64) *ReadFileTool {
	if maxSizeBytes <= 0 {
		maxSizeBytes = defaultMaxReadBytes
	}
	return &ReadFileTool{workspace: workspace, maxSizeBytes: maxSizeBytes}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ReadFileTool) PromptDocumentation() string {
	return `## read_file
Read the contents of a file.
Parameters:
- path (required): path relative to the workspace
Usage:
<read_file>
<path>src/app.ts</path>
</read_file>`
}

// Validate checks the completed parameters.
func (t *ReadFileTool) Validate(params map[string]string) error {
	return requireParams(params, "path")
}

// Exec reads the file.
func (t *ReadFileTool) Exec(_ context.Context, call *Call) (*Result, error) {
	abs, err := t.workspace.Resolve(call.Param("path"))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("file not found or not readable: %s", call.Param("path"))
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use list_files", call.Param("path"))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", call.Param("path"), err)
	}
	content := string(data)
	if int64(len(content)) > t.maxSizeBytes {
		content = content[:t.maxSizeBytes] + "\n[truncated]"
	}
	if strings.IndexByte(content, 0) >= 0 {
		return nil, fmt.Errorf("%s appears to be a binary file", call.Param("path"))
	}
	return Success(content), nil
}
