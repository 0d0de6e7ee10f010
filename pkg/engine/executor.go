// Package engine runs a task: it sequences model requests, streams responses through the tool
// dispatcher, reconciles tool results into the next turn and applies the retry, error and
// cancellation policy.
//
// One Executor owns one task. StartTask, NewMessage and ResumeTask drive the request loop on the
// calling goroutine and return when the loop stops. AbortTask may be called from any goroutine; it
// unwinds the loop and then offers the user a resume prompt in the background. Wait blocks until
// such background work is finished.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jasonkneen/claude-coder/pkg/config"
	"github.com/jasonkneen/claude-coder/pkg/history"
	"github.com/jasonkneen/claude-coder/pkg/host"
	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/metrics"
	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/tools"
)

// TaskRecorder persists task state and usage. *persistence.DB implements it.
type TaskRecorder interface {
	UpdateTaskState(ctx context.Context, id string, state proto.TaskState) error
	AddTaskUsage(ctx context.Context, id string, usage *proto.Usage) error
}

// compactNotifier is implemented by clients that compact history on their own, such as *llm.Manager.
type compactNotifier interface {
	OnCompact(fn llm.CompactFunc)
}

// Executor is the task state machine.
//
//nolint:govet // struct alignment optimization not critical for this type.
type Executor struct {
	client       llm.Client
	store        *history.Store
	ui           *uiLog
	dispatcher   *tools.Dispatcher
	tasks        TaskRecorder
	logger       *logx.Logger
	table        TransitionTable
	taskID       string
	systemPrompt string
	cfg          config.EngineConfig
	maxTokens    int

	mu                sync.Mutex
	state             proto.TaskState
	aborting          bool
	loopCancel        context.CancelFunc
	loopDone          chan struct{}
	sessionCtx        context.Context //nolint:containedctx // parent of background resume prompts
	userContent       proto.Content
	lastCommit        *proto.CommitAttributes
	consecutiveErrors int
	pauseNext         bool
	requestLen        int
	pendingCompaction []proto.ConversationTurn

	bg sync.WaitGroup

	// turn is touched only by the goroutine running the loop.
	turn *turnState
}

type options struct {
	store        *history.Store
	tasks        TaskRecorder
	recorder     metrics.Recorder
	logger       *logx.Logger
	systemPrompt string
	cfg          config.EngineConfig
	maxTokens    int
}

// Option configures an Executor.
type Option func(*options)

// WithStore sets the history store. The default is an in-memory store.
func WithStore(store *history.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithEngineConfig sets error, retry, watchdog and preview tuning.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *options) {
		o.systemPrompt = prompt
	}
}

// WithMaxTokens sets the output token limit of each request.
func WithMaxTokens(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithRecorder sets the recorder for tool outcomes.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithTaskRecorder persists state transitions and usage.
func WithTaskRecorder(r TaskRecorder) Option {
	return func(o *options) {
		o.tasks = r
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// NewExecutor creates the executor of task taskID. The host is not owned by the executor and must
// outlive it.
func NewExecutor(taskID string, client llm.Client, registry *tools.Registry, h host.Host, opts ...Option) *Executor {
	o := options{
		cfg:       config.Default().Engine,
		maxTokens: llm.DefaultMaxTokens,
		recorder:  metrics.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = history.NewStore(taskID, nil)
	}
	if o.logger == nil {
		o.logger = logx.NewLogger("task-" + shortID(taskID))
	}

	e := &Executor{
		client:       client,
		store:        o.store,
		tasks:        o.tasks,
		logger:       o.logger,
		table:        TaskTransitions,
		taskID:       taskID,
		systemPrompt: BuildSystemPrompt(o.systemPrompt, registry),
		cfg:          o.cfg,
		maxTokens:    o.maxTokens,
		state:        proto.StateIdle,
		pauseNext:    o.cfg.PauseNextRequest,
	}
	e.ui = newUILog(h, e.store, e.logger)
	e.dispatcher = tools.NewDispatcher(registry, e.ui, e.store.NextTimestamp,
		tools.WithPreviewInterval(o.cfg.PreviewInterval.Std()),
		tools.WithRecorder(o.recorder),
		tools.WithLogger(e.logger.WithComponent(e.logger.Component()+"/tools")),
	)
	if notifier, ok := client.(compactNotifier); ok {
		notifier.OnCompact(e.onCompact)
	}
	return e
}

// TaskID returns the task id.
func (e *Executor) TaskID() string {
	return e.taskID
}

// State returns the current task state.
func (e *Executor) State() proto.TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ConsecutiveErrors returns the number of failed requests since the last success.
func (e *Executor) ConsecutiveErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveErrors
}

// Store returns the task's history store.
func (e *Executor) Store() *history.Store {
	return e.store
}

// SystemPrompt returns the system prompt sent with every request.
func (e *Executor) SystemPrompt() string {
	return e.systemPrompt
}

// PauseNextRequest makes the next request ask the user whether to continue first.
func (e *Executor) PauseNextRequest() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseNext = true
}

// Wait blocks until background work started by AbortTask, including a resumed loop, has finished.
func (e *Executor) Wait() {
	e.bg.Wait()
}

// Restore loads a persisted task. A task with history comes back ABORTED so ResumeTask can continue it.
func (e *Executor) Restore(ctx context.Context, loader history.Loader) error {
	e.mu.Lock()
	if e.state != proto.StateIdle || e.loopDone != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: restore requires %s, task is %s", ErrWrongState, proto.StateIdle, e.state)
	}
	e.mu.Unlock()

	if err := e.store.Load(ctx, loader); err != nil {
		return fmt.Errorf("failed to restore task %s: %w", e.taskID, err)
	}
	if len(e.store.GetSavedAPIConversationHistory()) == 0 {
		return nil
	}

	e.mu.Lock()
	e.state = proto.StateAborted
	e.mu.Unlock()
	e.logger.Info("🔄 State machine transition: %s → %s (restored)", proto.StateIdle, proto.StateAborted)
	return nil
}

// StartTask begins a new task with the user's request.
func (e *Executor) StartTask(ctx context.Context, content proto.Content) error {
	return e.begin(ctx, "Starting task", content, func() {
		e.consecutiveErrors = 0
		e.lastCommit = nil
	}, proto.StateIdle)
}

// NewMessage continues the conversation with new user input.
func (e *Executor) NewMessage(ctx context.Context, content proto.Content) error {
	if _, err := e.ui.Say(ctx, proto.SayUserFeedback, content.Text(), imageURLs(content), proto.SayOptions{}); err != nil {
		e.logger.Warn("Failed to show user message: %v", err)
	}
	return e.begin(ctx, "New message", content, nil,
		proto.StateWaitingForUser, proto.StateCompleted, proto.StateIdle)
}

// ResumeTask continues an aborted or paused task. Empty content resumes with a continuation message.
func (e *Executor) ResumeTask(ctx context.Context, content proto.Content) error {
	return e.begin(ctx, "Resuming task", content, func() {
		e.consecutiveErrors = 0
	}, proto.StateAborted, proto.StateWaitingForUser)
}

// begin validates and enters WAITING_FOR_API, then runs the request loop until it stops.
func (e *Executor) begin(ctx context.Context, what string, content proto.Content, reset func(), allowed ...proto.TaskState) error {
	e.mu.Lock()
	if e.aborting {
		e.mu.Unlock()
		return ErrTaskAborting
	}
	if e.loopDone != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: a request loop is already running", ErrWrongState)
	}
	from := e.state
	if !containsState(allowed, from) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s not allowed in %s", ErrWrongState, strings.ToLower(what), from)
	}
	if !e.table.IsValidTransition(from, proto.StateWaitingForAPI) {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, proto.StateWaitingForAPI)
	}

	ctx = logx.WithTaskID(ctx, e.taskID)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.loopCancel, e.loopDone = cancel, done
	e.sessionCtx = ctx
	e.userContent = normalizeUserContent(content)
	if reset != nil {
		reset()
	}
	e.state = proto.StateWaitingForAPI
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.loopCancel, e.loopDone = nil, nil
		e.mu.Unlock()
		close(done)
	}()

	e.logger.Info("▶️ %s", what)
	e.transitioned(ctx, from, proto.StateWaitingForAPI)
	return e.run(loopCtx)
}

// run issues requests until the loop stops. Unwinding from an abort is not an error.
func (e *Executor) run(ctx context.Context) error {
	for {
		again, err := e.makeRequest(ctx)
		if err != nil {
			if e.isAborting() || errors.Is(err, ErrTaskAborting) {
				logx.Debug(ctx, "engine", "request loop unwound by abort")
				return nil
			}
			return err
		}
		if !again {
			return nil
		}
	}
}

// transition moves the task to another state. Only the abort itself may move a task that is aborting.
func (e *Executor) transition(ctx context.Context, to proto.TaskState) error {
	e.mu.Lock()
	if e.aborting && to != proto.StateAborted {
		e.mu.Unlock()
		return ErrTaskAborting
	}
	from := e.state
	if !e.table.IsValidTransition(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}
	e.state = to
	e.mu.Unlock()

	e.transitioned(ctx, from, to)
	return nil
}

func (e *Executor) transitioned(ctx context.Context, from, to proto.TaskState) {
	if from == to {
		return
	}
	e.logger.Info("🔄 State machine transition: %s → %s", from, to)
	if e.tasks != nil {
		if err := e.tasks.UpdateTaskState(context.WithoutCancel(ctx), e.taskID, to); err != nil {
			e.logger.Warn("Failed to persist task state %s: %v", to, err)
		}
	}
}

// interrupted returns ErrTaskAborting during an abort, ctx.Err() when ctx ended, and nil otherwise.
func (e *Executor) interrupted(ctx context.Context) error {
	if e.isAborting() {
		return ErrTaskAborting
	}
	return ctx.Err()
}

func (e *Executor) isAborting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborting
}

func (e *Executor) setUserContent(content proto.Content) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userContent = content
}

// onCompact queues the compacted request history. The manager calls it from its own goroutine,
// so the store is only rewritten by applyCompaction on the loop goroutine.
func (e *Executor) onCompact(compacted []proto.ConversationTurn) {
	turns := make([]proto.ConversationTurn, len(compacted))
	for i := range compacted {
		turns[i] = compacted[i].Clone()
	}
	e.mu.Lock()
	e.pendingCompaction = turns
	e.mu.Unlock()
}

// applyCompaction replaces the stored history with the latest compacted request history plus
// every turn added after the request was issued.
func (e *Executor) applyCompaction(ctx context.Context) {
	e.mu.Lock()
	compacted := e.pendingCompaction
	e.pendingCompaction = nil
	n := e.requestLen
	if compacted != nil {
		e.requestLen = len(compacted)
	}
	e.mu.Unlock()
	if compacted == nil {
		return
	}

	current := e.store.GetSavedAPIConversationHistory()
	merged := compacted
	if n < len(current) {
		merged = append(merged, current[n:]...)
	}
	if err := e.store.OverwriteAPIConversationHistory(context.WithoutCancel(ctx), merged); err != nil {
		e.logger.Warn("Failed to store compacted history: %v", err)
		return
	}
	e.logger.Info("📉 History compacted from %d to %d turns", len(current), len(merged))
}

// normalizeUserContent replaces empty input with a continuation message.
func normalizeUserContent(content proto.Content) proto.Content {
	if len(content) == 0 || content.IsBlank() {
		return proto.NewTextContent(ContinueText)
	}
	return content.Clone()
}

// fixUserContent replaces blank text blocks so no block sent to the model is empty.
func fixUserContent(content proto.Content) proto.Content {
	if len(content) == 0 {
		return proto.NewTextContent(EmptyBlockText)
	}
	out := content.Clone()
	for i := range out {
		if out[i].Type == proto.BlockText && strings.TrimSpace(out[i].Text) == "" {
			out[i].Text = EmptyBlockText
		}
	}
	return out
}

// contentFromResponse turns a free-form answer into user content.
func contentFromResponse(resp *proto.AskResponse) proto.Content {
	return proto.NewTextContent(resp.Text).WithImages(resp.Images)
}

func imageURLs(content proto.Content) []string {
	var out []string
	for i := range content {
		if content[i].Type == proto.BlockImage && content[i].Image != nil {
			out = append(out, fmt.Sprintf("data:%s;base64,%s", content[i].Image.MediaType, content[i].Image.Data))
		}
	}
	return out
}

func containsState(states []proto.TaskState, s proto.TaskState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
