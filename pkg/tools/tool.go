// Package tools executes tool invocations found in model output.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Tool name constants - use these instead of magic strings to prevent typos.
const (
	ToolReadFile          = "read_file"
	ToolWriteToFile       = "write_to_file"
	ToolListFiles         = "list_files"
	ToolExecuteCommand    = "execute_command"
	ToolAskFollowup       = "ask_followup_question"
	ToolAttemptCompletion = "attempt_completion"
)

var (
	// ErrUnknownTool is returned when a name has no registered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrAborted marks a tool unwound by an abort.
	ErrAborted = errors.New("tool aborted")
	// ErrMissingParam is returned by Validate for a required parameter.
	ErrMissingParam = errors.New("missing required parameter")
)

// Call is one approved invocation handed to Exec.
type Call struct {
	Invocation *proto.ToolInvocation
	// Response is the approval answer. Tools that consume answers read its text and images.
	Response proto.AskResponse
}

// Param returns a parameter value.
func (c *Call) Param(name string) string {
	return c.Invocation.Params[name]
}

// Result is what a tool reports back to the model.
type Result struct {
	Commit *proto.CommitAttributes
	Text   string
	Images []string
	Status proto.ToolStatus
}

// Success creates a success result.
func Success(text string) *Result {
	return &Result{Status: proto.ToolSuccess, Text: text}
}

// Failure creates an error result.
func Failure(text string) *Result {
	return &Result{Status: proto.ToolError, Text: text}
}

// Tool is a named action the model can request.
type Tool interface {
	// Name returns the tool name used in markup.
	Name() string
	// PromptDocumentation returns the usage text for the system prompt.
	PromptDocumentation() string
	// Validate checks the completed parameters before the approval ask.
	Validate(params map[string]string) error
	// Exec performs the approved action. An error becomes an error result.
	Exec(ctx context.Context, call *Call) (*Result, error)
}

// Asker customizes the approval ask of a tool.
type Asker interface {
	AskFor(inv *proto.ToolInvocation) (proto.AskKind, proto.AskPayload)
}

// AnswerConsumer marks tools whose free-text answers are input rather than rejection feedback.
type AnswerConsumer interface {
	ConsumesAnswer() bool
}

// Previewer shows streaming content in a preview surface and returns a displayable diff.
type Previewer interface {
	Preview(ctx context.Context, inv *proto.ToolInvocation, final bool) (string, error)
}

// Reverter undoes any side effect of Preview or Exec.
type Reverter interface {
	Revert(ctx context.Context, inv *proto.ToolInvocation) error
}

// Committer snapshots a written file and reports the commit it produced.
type Committer interface {
	Commit(ctx context.Context, path, message string) (*proto.CommitAttributes, error)
}

// Registry holds the tools available to one dispatcher.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to this registry.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool from this registry.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool, nil
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptDocumentation concatenates the documentation of every tool.
func (r *Registry) PromptDocumentation() string {
	var sb strings.Builder
	for _, name := range r.Names() {
		tool, _ := r.Get(name)
		sb.WriteString(tool.PromptDocumentation())
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

func requireParams(params map[string]string, names ...string) error {
	for _, name := range names {
		if strings.TrimSpace(params[name]) == "" {
			return fmt.Errorf("%w '%s'", ErrMissingParam, name)
		}
	}
	return nil
}
