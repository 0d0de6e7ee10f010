package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Workspace confines file tools to one directory tree.
type Workspace struct {
	Root string
}

// NewWorkspace creates a workspace rooted at an absolute form of root.
func NewWorkspace(root string) (Workspace, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Workspace{}, fmt.Errorf("cannot resolve workspace root: %w", err)
	}
	return Workspace{Root: abs}, nil
}

// Resolve maps a model-supplied relative path into the workspace, rejecting traversal.
func (w Workspace) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	cleanPath := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleanPath) {
		inside, err := filepath.Rel(w.Root, cleanPath)
		if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", rel)
		}
		return cleanPath, nil
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path cannot contain directory traversal (..) attempts")
	}
	return filepath.Join(w.Root, cleanPath), nil
}

// Readable returns path relative to the root with forward slashes.
func (w Workspace) Readable(path string) string {
	rel, err := filepath.Rel(w.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
