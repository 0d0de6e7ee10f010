// Package exec runs shell commands on behalf of the execute_command tool.
package exec

import (
	"context"
	"time"
)

// DefaultTimeout bounds a command when no timeout is given.
const DefaultTimeout = 5 * time.Minute

// DefaultMaxOutputBytes caps captured stdout and stderr separately.
const DefaultMaxOutputBytes = 256 * 1024

// Executor runs commands.
type Executor interface {
	// Run executes cmd. A non-zero exit code is reported in Result, not as an error.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// Env adds KEY=VALUE pairs to the inherited environment.
	Env []string

	// WorkDir is the working directory for the command.
	WorkDir string

	// Timeout is the maximum duration for command execution.
	Timeout time.Duration

	// MaxOutputBytes truncates each captured stream.
	MaxOutputBytes int
}

// Result contains the result of command execution.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
	ExitCode int
	// Truncated is set when either stream hit MaxOutputBytes.
	Truncated bool
}

// DefaultOpts returns default execution options rooted at workDir.
func DefaultOpts(workDir string) Opts {
	return Opts{
		WorkDir:        workDir,
		Timeout:        DefaultTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// ShellCommand wraps a command line for sh -c.
func ShellCommand(line string) []string {
	return []string{"sh", "-c", line}
}
