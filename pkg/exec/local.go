package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// LocalExec executes commands directly on the local system without sandboxing.
type LocalExec struct{}

// NewLocalExec creates a new LocalExec executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name returns the executor type name.
func (e *LocalExec) Name() string {
	return "local"
}

// Run executes a command locally with the given options.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		defaults := DefaultOpts("")
		opts = &defaults
	}

	startTime := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	limit := opts.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err := execCmd.Run()

	result := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(startTime),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			// Non-zero exit is a result, the caller checks ExitCode.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return result, fmt.Errorf("command failed to start: %w", err)
	}
	return result, nil
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}
