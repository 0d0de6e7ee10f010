package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	execpkg "github.com/jasonkneen/claude-coder/pkg/exec"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// ExecuteCommandTool runs a shell command in the workspace.
type ExecuteCommandTool struct {
	executor  execpkg.Executor
	workspace Workspace
	timeout   time.Duration
}

// NewExecuteCommandTool creates a new execute_command tool.
func NewExecuteCommandTool(executor execpkg.Executor, workspace Workspace, timeout time.Duration) *ExecuteCommandTool {
	if executor == nil {
		executor = execpkg.NewLocalExec()
	}
	if timeout <= 0 {
		timeout = execpkg.DefaultTimeout
	}
	return &ExecuteCommandTool{executor: executor, workspace: workspace, timeout: timeout}
}

// Name returns the tool name.
func (t *ExecuteCommandTool) Name() string {
	return ToolExecuteCommand
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ExecuteCommandTool) PromptDocumentation() string {
	return `## execute_command
Run a shell command in the workspace root. Prefer non-interactive commands.
Parameters:
- command (required): the command line to run
Usage:
<execute_command>
<command>go test ./...</command>
</execute_command>`
}

// Validate checks the completed parameters.
func (t *ExecuteCommandTool) Validate(params map[string]string) error {
	return requireParams(params, "command")
}

// AskFor asks with the command kind so hosts can render the command line.
func (t *ExecuteCommandTool) AskFor(inv *proto.ToolInvocation) (proto.AskKind, proto.AskPayload) {
	return proto.AskCommand, proto.AskPayload{Tool: inv, Question: inv.Params["command"]}
}

// Exec runs the command.
func (t *ExecuteCommandTool) Exec(ctx context.Context, call *Call) (*Result, error) {
	opts := execpkg.DefaultOpts(t.workspace.Root)
	opts.Timeout = t.timeout

	command := call.Param("command")
	res, err := t.executor.Run(ctx, execpkg.ShellCommand(command), &opts)
	if err != nil {
		return nil, fmt.Errorf("command %q failed: %w", command, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Command executed with exit code %d in %s.", res.ExitCode, res.Duration.Round(time.Millisecond))
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Fprintf(&sb, "\nOutput:\n%s", out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Fprintf(&sb, "\nStderr:\n%s", errOut)
	}
	if res.Truncated {
		sb.WriteString("\n(Output truncated.)")
	}

	if res.ExitCode != 0 {
		return &Result{Status: proto.ToolError, Text: sb.String()}, nil
	}
	return Success(sb.String()), nil
}
