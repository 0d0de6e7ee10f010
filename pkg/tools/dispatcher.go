package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jasonkneen/claude-coder/pkg/host"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/toolparse"
)

// DefaultPreviewInterval limits partial previews to about 30 per second.
const DefaultPreviewInterval = 33 * time.Millisecond

// OutcomeRecorder observes finished tool invocations.
type OutcomeRecorder interface {
	ObserveTool(tool string, status proto.ToolStatus, duration time.Duration)
}

// activeTool is the single invocation the dispatcher is working on.
type activeTool struct {
	lastPreview time.Time
	started     time.Time
	tool        Tool
	inv         *proto.ToolInvocation
	kind        proto.AskKind
	complete    bool
	running     bool
	dirty       bool
}

// Dispatcher turns streamed text into tool invocations and runs them one at a time.
//
// ProcessToolUse, WaitForToolProcessing and CloseStream run on the task goroutine.
// AbortTask may be called from any goroutine.
type Dispatcher struct {
	now             func() time.Time
	registry        *Registry
	approver        host.Approver
	nextTs          func() int64
	recorder        OutcomeRecorder
	logger          *logx.Logger
	parser          *toolparse.Parser
	active          *activeTool
	queue           []toolparse.Event
	results         []proto.ToolResult
	prose           strings.Builder
	previewInterval time.Duration
	mu              sync.Mutex
	aborted         bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPreviewInterval overrides the partial preview throttle.
func WithPreviewInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.previewInterval = d
		}
	}
}

// WithClock overrides the time source used for throttling.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) {
		disp.now = now
	}
}

// WithRecorder sets the tool outcome recorder.
func WithRecorder(r OutcomeRecorder) Option {
	return func(disp *Dispatcher) {
		disp.recorder = r
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *logx.Logger) Option {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher for the registry's tools. nextTs issues ask correlation ids.
func NewDispatcher(registry *Registry, approver host.Approver, nextTs func() int64, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		now:             time.Now,
		registry:        registry,
		approver:        approver,
		nextTs:          nextTs,
		logger:          logx.NewLogger("tools"),
		parser:          toolparse.NewParser(registry.Names()),
		previewInterval: DefaultPreviewInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ResetToolState discards all per-response state. A staged preview of an unfinished tool is reverted.
func (d *Dispatcher) ResetToolState(ctx context.Context) {
	d.mu.Lock()
	at := d.active
	running := at != nil && at.running
	d.parser.Reset()
	d.active = nil
	d.queue = nil
	d.results = nil
	d.prose.Reset()
	d.aborted = false
	d.mu.Unlock()

	if at != nil && !running {
		d.revert(ctx, at)
	}
}

// ProcessToolUse feeds a text delta and returns the prose that may be displayed now.
// Text following a tool tag is held until that tool resolves.
func (d *Dispatcher) ProcessToolUse(ctx context.Context, text string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.aborted {
		return ""
	}
	events := d.parser.Feed(text)
	if len(d.queue) > 0 {
		d.queue = append(d.queue, events...)
		return ""
	}
	residue, rest := d.applyLocked(ctx, events)
	d.queue = append(d.queue, rest...)
	return residue
}

// CloseStream ends the response. A tool tag left open becomes an error result.
func (d *Dispatcher) CloseStream(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.aborted {
		return
	}
	events := d.parser.Close()
	if len(d.queue) > 0 || (d.active != nil && d.active.complete) {
		d.queue = append(d.queue, events...)
		return
	}
	residue, rest := d.applyLocked(ctx, events)
	d.prose.WriteString(residue)
	d.queue = append(d.queue, rest...)
}

// IsParserInToolTag reports whether a tool tag is open.
func (d *Dispatcher) IsParserInToolTag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parser.InTag()
}

// HasActiveTools reports whether a tool is streaming, waiting to run, or queued behind another.
func (d *Dispatcher) HasActiveTools() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil || len(d.queue) > 0
}

// TakeProse returns and clears prose buffered while tools ran.
func (d *Dispatcher) TakeProse() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.prose.String()
	d.prose.Reset()
	return out
}

// GetToolResults returns the results produced since the last reset, in execution order.
func (d *Dispatcher) GetToolResults() []proto.ToolResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]proto.ToolResult, len(d.results))
	copy(out, d.results)
	return out
}

// WaitForToolProcessing runs every completed tool in stream order. It returns when no completed
// tool remains; a tool still streaming is left for later chunks.
func (d *Dispatcher) WaitForToolProcessing(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.aborted {
			d.mu.Unlock()
			return ErrAborted
		}
		if d.active == nil || !d.active.complete {
			if len(d.queue) > 0 {
				residue, rest := d.applyLocked(ctx, d.queue)
				d.prose.WriteString(residue)
				d.queue = rest
			}
			if d.active == nil || !d.active.complete {
				d.mu.Unlock()
				return nil
			}
		}
		at := d.active
		at.running = true
		d.mu.Unlock()

		result := d.runTool(ctx, at)

		d.mu.Lock()
		d.results = append(d.results, result)
		if d.active == at {
			d.active = nil
		}
		aborted := d.aborted
		d.mu.Unlock()

		if d.recorder != nil {
			d.recorder.ObserveTool(at.inv.Name, result.Status, d.now().Sub(at.started))
		}
		if aborted {
			return ErrAborted
		}
	}
}

// AbortTask unwinds the in-flight tool and stops all further processing until ResetToolState.
func (d *Dispatcher) AbortTask(ctx context.Context) {
	d.mu.Lock()
	if d.aborted {
		d.mu.Unlock()
		return
	}
	d.aborted = true
	at := d.active
	running := at != nil && at.running
	d.parser.Reset()
	d.queue = nil
	d.mu.Unlock()

	if at == nil {
		return
	}
	d.logger.Info("🛑 Unwinding %s", at.tool.Name())
	d.revert(ctx, at)
	if !running {
		d.transition(ctx, at, proto.ApprovalError, InterruptedText)
	}
}

// applyLocked consumes events until a completed tool must run. It returns the prose seen before
// that point and the unconsumed events.
func (d *Dispatcher) applyLocked(ctx context.Context, events []toolparse.Event) (string, []toolparse.Event) {
	var residue strings.Builder
	for i, ev := range events {
		if d.active != nil && d.active.complete {
			return residue.String(), events[i:]
		}

		switch ev.Kind {
		case toolparse.EventProse:
			residue.WriteString(ev.Text)

		case toolparse.EventToolStart:
			tool, err := d.registry.Get(ev.Tool)
			if err != nil {
				d.logger.Warn("Ignoring tag for %s: %v", ev.Tool, err)
				continue
			}
			kind := proto.AskTool
			if asker, ok := tool.(Asker); ok {
				kind, _ = asker.AskFor(&proto.ToolInvocation{Name: ev.Tool})
			}
			d.active = &activeTool{
				tool:    tool,
				kind:    kind,
				started: d.now(),
				inv: &proto.ToolInvocation{
					ID:            uuid.NewString(),
					Name:          ev.Tool,
					Params:        map[string]string{},
					ApprovalState: proto.ApprovalLoading,
					Ts:            d.nextTs(),
					Partial:       true,
				},
			}
			d.logger.Info("🔧 Tool %s started (%s)", ev.Tool, d.active.inv.ID)
			d.notifyLocked(ctx, d.active, "")

		case toolparse.EventToolPartial:
			if d.active == nil {
				continue
			}
			d.active.inv.Params = ev.Params
			d.active.dirty = true
			d.previewLocked(ctx, d.active)

		case toolparse.EventToolComplete:
			if d.active == nil {
				continue
			}
			d.active.inv.Params = ev.Params
			d.active.inv.Partial = false
			d.active.complete = true
			logx.Debug(ctx, "tools", "tool %s complete with %d params", ev.Tool, len(ev.Params))

		case toolparse.EventToolIncomplete:
			if d.active == nil {
				continue
			}
			at := d.active
			at.inv.Params = ev.Params
			d.active = nil
			d.logger.Warn("Tool %s never closed, reporting incomplete call", at.inv.Name)
			d.revertInvocation(ctx, at.tool, at.inv.Clone())
			if d.transitionLocked(at, proto.ApprovalError) {
				d.notifyLocked(ctx, at, IncompleteText)
			}
			d.results = append(d.results, proto.NewToolResult(at.inv.ID, at.inv.Name, proto.ToolError, IncompleteText))
		}
	}
	return residue.String(), nil
}

// previewLocked pushes a partial update unless one was pushed within the preview interval.
func (d *Dispatcher) previewLocked(ctx context.Context, at *activeTool) {
	now := d.now()
	if !at.lastPreview.IsZero() && now.Sub(at.lastPreview) < d.previewInterval {
		return
	}
	at.lastPreview = now
	at.dirty = false

	if previewer, ok := at.tool.(Previewer); ok {
		if _, err := previewer.Preview(ctx, at.inv, false); err != nil {
			logx.Debug(ctx, "tools", "preview of %s failed: %v", at.inv.Name, err)
		}
	}
	d.notifyLocked(ctx, at, "")
}

// runTool drives one completed invocation through approval and execution.
func (d *Dispatcher) runTool(ctx context.Context, at *activeTool) proto.ToolResult {
	inv := d.snapshot(at)

	if err := at.tool.Validate(inv.Params); err != nil {
		d.revert(ctx, at)
		text := fmt.Sprintf("Error: invalid %s call: %v", inv.Name, err)
		d.transition(ctx, at, proto.ApprovalError, text)
		return proto.NewToolResult(inv.ID, inv.Name, proto.ToolError, text)
	}

	diff := ""
	if previewer, ok := at.tool.(Previewer); ok {
		var err error
		if diff, err = previewer.Preview(ctx, inv, true); err != nil {
			d.revert(ctx, at)
			text := fmt.Sprintf("Error: %v", err)
			d.transition(ctx, at, proto.ApprovalError, text)
			return proto.NewToolResult(inv.ID, inv.Name, proto.ToolError, text)
		}
	}

	d.mu.Lock()
	if !d.transitionLocked(at, proto.ApprovalPending) {
		d.mu.Unlock()
		return proto.NewToolResult(inv.ID, inv.Name, proto.ToolError, InterruptedText)
	}
	inv = at.inv.Clone()
	d.mu.Unlock()

	kind, payload := at.kind, proto.AskPayload{Tool: inv}
	if asker, ok := at.tool.(Asker); ok {
		kind, payload = asker.AskFor(inv)
		payload.Tool = inv
	}
	payload.Diff = diff

	d.logger.Info("⏸️ Awaiting approval for %s", inv.Name)
	resp, err := d.approver.Ask(ctx, kind, payload, inv.Ts)
	if err != nil || d.isAborted() {
		d.revert(ctx, at)
		d.transition(ctx, at, proto.ApprovalRejected, InterruptedText)
		return proto.NewToolResult(inv.ID, inv.Name, proto.ToolRejected, InterruptedText)
	}

	_, consumes := at.tool.(AnswerConsumer)
	switch {
	case resp.Response == proto.ResponseYes:
	case resp.Response == proto.ResponseMessage && consumes:
	case resp.Response == proto.ResponseMessage:
		d.revert(ctx, at)
		d.transition(ctx, at, proto.ApprovalRejected, "")
		d.logger.Info("🚫 %s rejected with feedback", inv.Name)
		res := &Result{Status: proto.ToolFeedback, Text: FormatGenericToolFeedback(resp.Text), Images: resp.Images}
		return toToolResult(inv, res)
	default:
		d.revert(ctx, at)
		d.transition(ctx, at, proto.ApprovalRejected, "")
		d.logger.Info("🚫 %s rejected", inv.Name)
		return proto.NewToolResult(inv.ID, inv.Name, proto.ToolRejected, DeniedText)
	}

	res, err := at.tool.Exec(ctx, &Call{Invocation: inv, Response: resp})
	if d.isAborted() || errors.Is(err, context.Canceled) {
		d.revert(ctx, at)
		d.transition(ctx, at, proto.ApprovalError, InterruptedText)
		return proto.NewToolResult(inv.ID, inv.Name, proto.ToolError, InterruptedText)
	}
	if err != nil {
		text := fmt.Sprintf("Error: %v", err)
		d.revert(ctx, at)
		d.transition(ctx, at, proto.ApprovalError, text)
		d.logger.Warn("❌ %s failed: %v", inv.Name, err)
		return proto.NewToolResult(inv.ID, inv.Name, proto.ToolError, text)
	}

	if res.Status == proto.ToolError {
		d.transition(ctx, at, proto.ApprovalError, res.Text)
	} else {
		d.transition(ctx, at, proto.ApprovalApproved, "")
	}
	d.logger.Info("✅ %s finished with status %s", inv.Name, res.Status)
	return toToolResult(inv, res)
}

// transitionLocked moves the invocation forward. Backward or repeated terminal moves are refused.
func (d *Dispatcher) transitionLocked(at *activeTool, next proto.ApprovalState) bool {
	if !at.inv.ApprovalState.CanTransitionTo(next) {
		d.logger.Debug("Refusing %s transition %s → %s", at.inv.Name, at.inv.ApprovalState, next)
		return false
	}
	at.inv.ApprovalState = next
	if next.IsTerminal() {
		at.inv.Partial = false
	}
	return true
}

func (d *Dispatcher) transition(ctx context.Context, at *activeTool, next proto.ApprovalState, errText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transitionLocked(at, next) {
		d.notifyLocked(ctx, at, errText)
	}
}

func (d *Dispatcher) notifyLocked(ctx context.Context, at *activeTool, errText string) {
	payload := proto.AskPayload{Tool: at.inv.Clone(), Error: errText}
	if err := d.approver.UpdateAsk(ctx, at.kind, payload, at.inv.Ts); err != nil {
		d.logger.Warn("Failed to update ask for %s: %v", at.inv.Name, err)
	}
}

func (d *Dispatcher) revert(ctx context.Context, at *activeTool) {
	d.revertInvocation(ctx, at.tool, d.snapshot(at))
}

func (d *Dispatcher) revertInvocation(ctx context.Context, tool Tool, inv *proto.ToolInvocation) {
	reverter, ok := tool.(Reverter)
	if !ok {
		return
	}
	// Reverting must succeed even when ctx was cancelled by the abort.
	if err := reverter.Revert(context.WithoutCancel(ctx), inv); err != nil {
		d.logger.Error("Failed to revert %s: %v", inv.Name, err)
	}
}

func (d *Dispatcher) snapshot(at *activeTool) *proto.ToolInvocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return at.inv.Clone()
}

func (d *Dispatcher) isAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}
