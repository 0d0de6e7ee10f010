package git

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	execpkg "github.com/jasonkneen/claude-coder/pkg/exec"
)

func newRepo(t *testing.T) (string, *Committer) {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	c := NewCommitter(dir, execpkg.NewLocalExec())
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "coder@example.com"},
		{"config", "user.name", "coder"},
	} {
		_, err := c.git(ctx, args...)
		require.NoError(t, err)
	}
	return dir, c
}

func TestCommitRecordsHashes(t *testing.T) {
	dir, c := newRepo(t)
	ctx := context.Background()
	path := filepath.Join(dir, "main.go")

	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))
	first, err := c.Commit(ctx, path, "write main.go")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Len(t, first.CommitHash, 40)
	assert.Empty(t, first.PreCommitHash, "first commit has no parent")
	assert.NotEmpty(t, first.Branch)

	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644))
	second, err := c.Commit(ctx, path, "write main.go")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.CommitHash, second.PreCommitHash)
	assert.NotEqual(t, first.CommitHash, second.CommitHash)
}

func TestCommitUnchangedFile(t *testing.T) {
	dir, c := newRepo(t)
	ctx := context.Background()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	_, err := c.Commit(ctx, path, "write a.txt")
	require.NoError(t, err)

	again, err := c.Commit(ctx, path, "write a.txt")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCommitOutsideRepository(t *testing.T) {
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	c := NewCommitter(dir, execpkg.NewLocalExec())
	_, err := c.Commit(context.Background(), filepath.Join(dir, "a.txt"), "write")
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestCommitRejectsPathsOutsideTheTree(t *testing.T) {
	_, c := newRepo(t)
	_, err := c.Commit(context.Background(), filepath.Join(t.TempDir(), "x.txt"), "write")
	assert.ErrorContains(t, err, "outside the repository")
}
