package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ListFilesTool lists workspace files matching a glob.
type ListFilesTool struct {
	workspace  Workspace
	maxResults int
}

// NewListFilesTool creates a new list_files tool.
func NewListFilesTool(workspace Workspace, maxResults int) *ListFilesTool {
	if maxResults <= 0 {
		maxResults = 1000
	}
	return &ListFilesTool{workspace: workspace, maxResults: maxResults}
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string {
	return ToolListFiles
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ListFilesTool) PromptDocumentation() string {
	return `## list_files
List files and directories. Hidden entries are skipped.
Parameters:
- path (required): directory relative to the workspace
- recursive (optional): "true" to list recursively
- pattern (optional): doublestar glob such as "**/*.go"
Usage:
<list_files>
<path>src</path>
<recursive>true</recursive>
</list_files>`
}

// Validate checks the completed parameters.
func (t *ListFilesTool) Validate(params map[string]string) error {
	if err := requireParams(params, "path"); err != nil {
		return err
	}
	if p := params["pattern"]; p != "" && !doublestar.ValidatePattern(p) {
		return fmt.Errorf("invalid pattern %q", p)
	}
	return nil
}

// Exec walks the directory.
func (t *ListFilesTool) Exec(ctx context.Context, call *Call) (*Result, error) {
	base, err := t.workspace.Resolve(call.Param("path"))
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory not found: %s", call.Param("path"))
	}

	pattern := call.Param("pattern")
	if pattern == "" {
		if strings.EqualFold(call.Param("recursive"), "true") {
			pattern = "**"
		} else {
			pattern = "*"
		}
	}

	var entries []string
	truncated := false
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || path == base {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(base, path)
		if err != nil {
			return nil //nolint:nilerr // skip entries outside base
		}
		relPath = filepath.ToSlash(relPath)

		matched, _ := doublestar.Match(pattern, relPath)
		if matched {
			if d.IsDir() {
				relPath += "/"
			}
			entries = append(entries, relPath)
			if len(entries) >= t.maxResults {
				truncated = true
				return filepath.SkipAll
			}
		}
		if d.IsDir() && !strings.Contains(pattern, "**") && !strings.Contains(pattern, "/") {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk error: %w", err)
	}

	if len(entries) == 0 {
		return Success("No files found."), nil
	}
	sort.Strings(entries)
	out := strings.Join(entries, "\n")
	if truncated {
		out += fmt.Sprintf("\n\n(File list truncated at %d entries. Narrow the path or pattern.)", t.maxResults)
	}
	return Success(out), nil
}
