package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	diff "github.com/shogoki/gotextdiff"
)

// DiffSurface stages proposed file content for review. Nothing reaches disk before Save,
// and Revert restores the file as it was before Open.
type DiffSurface interface {
	Open(ctx context.Context, path string) error
	Update(ctx context.Context, path, content string) (string, error)
	Save(ctx context.Context, path string) (string, error)
	Revert(ctx context.Context, path string) error
	Close(path string)
	Original(path string) (content string, existed bool)
}

type stagedFile struct {
	original string
	staged   string
	existed  bool
	saved    bool
}

// FileDiffSurface is a DiffSurface over the local filesystem.
type FileDiffSurface struct {
	files map[string]*stagedFile
	mu    sync.Mutex
}

// NewFileDiffSurface creates an empty surface.
func NewFileDiffSurface() *FileDiffSurface {
	return &FileDiffSurface{files: make(map[string]*stagedFile)}
}

// Open records the current content of path. Opening an open path is a no-op.
func (s *FileDiffSurface) Open(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[path]; ok {
		return nil
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s.files[path] = &stagedFile{original: string(data), staged: string(data), existed: true}
	case errors.Is(err, fs.ErrNotExist):
		s.files[path] = &stagedFile{}
	default:
		return fmt.Errorf("failed to open %s for diff: %w", path, err)
	}
	return nil
}

// Update stages content and returns the unified diff against the original.
func (s *FileDiffSurface) Update(ctx context.Context, path, content string) (string, error) {
	if err := s.Open(ctx, path); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[path]
	f.staged = content
	return unifiedDiff(filepath.Base(path), f.original, content), nil
}

// Save writes the staged content and returns it.
func (s *FileDiffSurface) Save(_ context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("no staged changes for %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(f.staged), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	f.saved = true
	return f.staged, nil
}

// Revert discards staged content. A saved file is restored, or removed if it did not exist.
func (s *FileDiffSurface) Revert(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[path]
	if !ok {
		return nil
	}
	delete(s.files, path)
	if !f.saved {
		return nil
	}
	if !f.existed {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}
	if err := os.WriteFile(path, []byte(f.original), 0o644); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	return nil
}

// Close forgets a path after a successful save.
func (s *FileDiffSurface) Close(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// Original returns the content recorded by Open.
func (s *FileDiffSurface) Original(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[path]; ok {
		return f.original, f.existed
	}
	return "", false
}

func unifiedDiff(name, oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}
	return string(diff.Diff(name, []byte(oldContent), name, []byte(newContent)))
}
