// Package git snapshots workspace writes as commits so each turn can be linked to a checkpoint.
package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	execpkg "github.com/jasonkneen/claude-coder/pkg/exec"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// commandTimeout bounds each git invocation.
const commandTimeout = 30 * time.Second

// ErrNotRepository is returned when the workspace is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Committer commits single files in a repository.
type Committer struct {
	executor execpkg.Executor
	logger   *logx.Logger
	repoDir  string
}

// NewCommitter creates a committer for the work tree containing repoDir.
func NewCommitter(repoDir string, executor execpkg.Executor) *Committer {
	return &Committer{
		repoDir:  repoDir,
		executor: executor,
		logger:   logx.NewLogger("git"),
	}
}

// IsRepository reports whether repoDir is inside a git work tree.
func (c *Committer) IsRepository(ctx context.Context) bool {
	out, err := c.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Commit stages path and commits it alone. A path with no changes yields nil attributes.
func (c *Committer) Commit(ctx context.Context, path, message string) (*proto.CommitAttributes, error) {
	if !c.IsRepository(ctx) {
		return nil, ErrNotRepository
	}
	rel, err := filepath.Rel(c.repoDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%s is outside the repository", path)
	}

	// An unborn branch has no HEAD yet.
	pre, _ := c.git(ctx, "rev-parse", "HEAD")
	branch, _ := c.git(ctx, "symbolic-ref", "--short", "-q", "HEAD")

	if _, err := c.git(ctx, "add", "--", rel); err != nil {
		return nil, err
	}
	if _, err := c.git(ctx, "diff", "--cached", "--quiet", "--", rel); err == nil {
		c.logger.Debug("Nothing to commit for %s", rel)
		return nil, nil //nolint:nilnil // unchanged file
	}
	if _, err := c.git(ctx, "commit", "--no-verify", "-m", message, "--", rel); err != nil {
		return nil, err
	}
	hash, err := c.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	c.logger.Info("📦 Committed %s as %s", rel, shortHash(hash))
	return &proto.CommitAttributes{
		CommitHash:    hash,
		Branch:        branch,
		PreCommitHash: pre,
	}, nil
}

func (c *Committer) git(ctx context.Context, args ...string) (string, error) {
	opts := execpkg.DefaultOpts(c.repoDir)
	opts.Timeout = commandTimeout
	res, err := c.executor.Run(ctx, append([]string{"git"}, args...), &opts)
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s exited with %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
