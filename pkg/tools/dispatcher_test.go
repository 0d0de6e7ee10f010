package tools

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claude-coder/internal/mocks"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// spySurface counts reverts on top of the real surface.
type spySurface struct {
	*FileDiffSurface
	reverts atomic.Int32
}

func (s *spySurface) Revert(ctx context.Context, path string) error {
	s.reverts.Add(1)
	return s.FileDiffSurface.Revert(ctx, path)
}

type fakeClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type dispatcherFixture struct {
	d       *Dispatcher
	host    *mocks.MockHost
	surface *spySurface
	root    string
}

func newDispatcherFixture(t *testing.T, opts ...Option) *dispatcherFixture {
	t.Helper()
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	require.NoError(t, err)

	surface := &spySurface{FileDiffSurface: NewFileDiffSurface()}
	registry, err := NewRegistry(
		NewReadFileTool(ws, 0),
		NewWriteFileTool(ws, surface, nil),
		NewListFilesTool(ws, 0),
		NewAskFollowupTool(),
		NewAttemptCompletionTool(),
	)
	require.NoError(t, err)

	h := mocks.NewMockHost()
	var ts atomic.Int64
	d := NewDispatcher(registry, h, func() int64 { return ts.Add(1) }, opts...)
	return &dispatcherFixture{d: d, host: h, surface: surface, root: root}
}

func (f *dispatcherFixture) writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, name), []byte(content), 0o644))
}

func statesByTs(calls []mocks.AskCall) map[int64][]proto.ApprovalState {
	out := make(map[int64][]proto.ApprovalState)
	for _, c := range calls {
		if c.Payload.Tool != nil {
			out[c.Ts] = append(out[c.Ts], c.Payload.Tool.ApprovalState)
		}
	}
	return out
}

func stateRank(s proto.ApprovalState) int {
	switch s {
	case proto.ApprovalLoading:
		return 0
	case proto.ApprovalPending:
		return 1
	default:
		return 2
	}
}

func TestReadFileToolRoundTrip(t *testing.T) {
	f := newDispatcherFixture(t)
	f.writeFile(t, "a.ts", "const a = 1\n")
	ctx := context.Background()

	prose := f.d.ProcessToolUse(ctx, "Let me look.<read_file><path>a.ts</path></read_file>")
	assert.Equal(t, "Let me look.", prose)
	assert.True(t, f.d.HasActiveTools())
	assert.False(t, f.d.IsParserInToolTag())

	require.NoError(t, f.d.WaitForToolProcessing(ctx))
	assert.False(t, f.d.HasActiveTools())

	results := f.d.GetToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, proto.ToolSuccess, results[0].Status)
	assert.Equal(t, ToolReadFile, results[0].Name)
	assert.Contains(t, results[0].Payload.Text(), "const a = 1")

	asks := f.host.AsksOf(proto.AskTool)
	require.Len(t, asks, 1)
	assert.Equal(t, ToolReadFile, asks[0].Payload.Tool.Name)
	assert.Equal(t, proto.ApprovalPending, asks[0].Payload.Tool.ApprovalState)
	assert.Equal(t, "a.ts", asks[0].Payload.Tool.Params["path"])

	updates := f.host.Updates()
	require.NotEmpty(t, updates)
	assert.Equal(t, proto.ApprovalLoading, updates[0].Payload.Tool.ApprovalState)
	assert.Equal(t, proto.ApprovalApproved, updates[len(updates)-1].Payload.Tool.ApprovalState)
}

func TestApprovalStatesAreMonotonic(t *testing.T) {
	f := newDispatcherFixture(t)
	f.writeFile(t, "a.ts", "a")
	f.writeFile(t, "b.ts", "b")
	f.host.Answer(proto.AskTool, proto.Yes(), proto.No(), proto.Message("try c.ts"))
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<read_file><path>a.ts</path></read_file>")
	f.d.ProcessToolUse(ctx, "<read_file><path>b.ts</path></read_file>")
	f.d.ProcessToolUse(ctx, "<read_file><path>a.ts</path></read_file>")
	f.d.ProcessToolUse(ctx, "<read_file><path> </path></read_file>")
	f.d.CloseStream(ctx)
	require.NoError(t, f.d.WaitForToolProcessing(ctx))

	for _, ask := range f.host.Asks() {
		assert.Equal(t, proto.ApprovalPending, ask.Payload.Tool.ApprovalState)
	}
	for ts, states := range statesByTs(f.host.Updates()) {
		for i := 1; i < len(states); i++ {
			prev, next := states[i-1], states[i]
			assert.GreaterOrEqual(t, stateRank(next), stateRank(prev), "ts %d went %s -> %s", ts, prev, next)
			if prev.IsTerminal() {
				assert.Equal(t, prev, next, "ts %d left terminal state %s", ts, prev)
			}
		}
	}

	results := f.d.GetToolResults()
	require.Len(t, results, 4)
	assert.Equal(t, proto.ToolSuccess, results[0].Status)
	assert.Equal(t, proto.ToolRejected, results[1].Status)
	assert.Equal(t, proto.ToolFeedback, results[2].Status)
	assert.Equal(t, proto.ToolError, results[3].Status)
}

func TestToolsRunSequentiallyInStreamOrder(t *testing.T) {
	f := newDispatcherFixture(t)
	f.writeFile(t, "a.ts", "a")
	f.writeFile(t, "b.ts", "b")

	var (
		order    []string
		inflight atomic.Int32
		mu       sync.Mutex
	)
	f.host.AskFunc = func(_ context.Context, _ proto.AskKind, payload proto.AskPayload, _ int64) (proto.AskResponse, error) {
		assert.Equal(t, int32(1), inflight.Add(1), "asks overlap")
		defer inflight.Add(-1)
		mu.Lock()
		order = append(order, payload.Tool.Params["path"])
		mu.Unlock()
		return proto.Yes(), nil
	}
	ctx := context.Background()

	prose := f.d.ProcessToolUse(ctx, "<read_file><path>a.ts</path></read_file> then <read_file><path>b.ts</path></read_file>")
	assert.Empty(t, prose, "prose after a tool waits for the tool")
	require.NoError(t, f.d.WaitForToolProcessing(ctx))

	assert.Equal(t, []string{"a.ts", "b.ts"}, order)
	assert.Equal(t, " then ", f.d.TakeProse())
	assert.Empty(t, f.d.TakeProse())

	results := f.d.GetToolResults()
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Payload.Text())
	assert.Equal(t, "b", results[1].Payload.Text())
}

func TestRejectionWithFeedback(t *testing.T) {
	f := newDispatcherFixture(t)
	f.host.Answer(proto.AskTool, proto.Message("use b.ts instead"))
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<write_to_file><path>a.ts</path><content>x</content></write_to_file>")
	require.NoError(t, f.d.WaitForToolProcessing(ctx))

	results := f.d.GetToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, proto.ToolFeedback, results[0].Status)
	assert.Equal(t, FormatGenericToolFeedback("use b.ts instead"), results[0].Payload.Text())
	assert.NoFileExists(t, filepath.Join(f.root, "a.ts"))
	assert.GreaterOrEqual(t, f.surface.reverts.Load(), int32(1))

	updates := f.host.Updates()
	assert.Equal(t, proto.ApprovalRejected, updates[len(updates)-1].Payload.Tool.ApprovalState)
}

func TestFollowupAnswerIsNotRejection(t *testing.T) {
	f := newDispatcherFixture(t)
	f.host.Answer(proto.AskFollowup, proto.Message("postgres"))
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<ask_followup_question><question>Which db?</question></ask_followup_question>")
	require.NoError(t, f.d.WaitForToolProcessing(ctx))

	asks := f.host.AsksOf(proto.AskFollowup)
	require.Len(t, asks, 1)
	assert.Equal(t, "Which db?", asks[0].Payload.Question)

	results := f.d.GetToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, proto.ToolSuccess, results[0].Status)
	assert.Equal(t, "<answer>\npostgres\n</answer>", results[0].Payload.Text())
}

func TestIncompleteToolBecomesErrorResult(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<write_to_file><path>a.ts</path><content>half")
	assert.True(t, f.d.IsParserInToolTag())
	require.NoError(t, f.d.WaitForToolProcessing(ctx), "a streaming tool does not block")

	f.d.CloseStream(ctx)
	assert.False(t, f.d.HasActiveTools())
	require.NoError(t, f.d.WaitForToolProcessing(ctx))

	results := f.d.GetToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, proto.ToolError, results[0].Status)
	assert.Equal(t, IncompleteText, results[0].Payload.Text())
	assert.Empty(t, f.host.Asks())
	assert.Equal(t, int32(1), f.surface.reverts.Load())
}

func TestValidationErrorSkipsApproval(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<read_file><path> </path></read_file>")
	require.NoError(t, f.d.WaitForToolProcessing(ctx))

	results := f.d.GetToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, proto.ToolError, results[0].Status)
	assert.Contains(t, results[0].Payload.Text(), "invalid read_file call")
	assert.Empty(t, f.host.Asks())
}

func TestPartialPreviewIsThrottled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	f := newDispatcherFixture(t, WithClock(clock.Now), WithPreviewInterval(33*time.Millisecond))
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<write_to_file><path>a.ts</path><content>")
	clock.Advance(50 * time.Millisecond)
	f.d.ProcessToolUse(ctx, "line1\n")
	afterFirst := len(f.host.Updates())

	f.d.ProcessToolUse(ctx, "line2\n")
	f.d.ProcessToolUse(ctx, "line3\n")
	assert.Len(t, f.host.Updates(), afterFirst, "updates within the interval are dropped")

	clock.Advance(50 * time.Millisecond)
	f.d.ProcessToolUse(ctx, "line4\n")
	updates := f.host.Updates()
	require.Len(t, updates, afterFirst+1)
	last := updates[len(updates)-1].Payload.Tool
	assert.True(t, last.Partial)
	assert.Equal(t, proto.ApprovalLoading, last.ApprovalState)
	assert.Equal(t, "line1\nline2\nline3\nline4", last.Params["content"])
	assert.NoFileExists(t, filepath.Join(f.root, "a.ts"), "previews never touch disk")
}

func TestAbortRevertsStreamingWrite(t *testing.T) {
	f := newDispatcherFixture(t)
	f.writeFile(t, "a.ts", "old\n")
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<write_to_file><path>a.ts</path><content>new stuff")
	f.d.AbortTask(ctx)
	f.d.AbortTask(ctx)

	assert.Equal(t, int32(1), f.surface.reverts.Load(), "second abort is a no-op")
	data, err := os.ReadFile(filepath.Join(f.root, "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))

	updates := f.host.Updates()
	last := updates[len(updates)-1]
	assert.Equal(t, proto.ApprovalError, last.Payload.Tool.ApprovalState)
	assert.Equal(t, InterruptedText, last.Payload.Error)

	assert.Empty(t, f.d.ProcessToolUse(ctx, "more</content></write_to_file>"))
	assert.ErrorIs(t, f.d.WaitForToolProcessing(ctx), ErrAborted)
	assert.Empty(t, f.host.Asks())

	f.d.ResetToolState(ctx)
	assert.False(t, f.d.HasActiveTools())
	assert.Equal(t, "fine", f.d.ProcessToolUse(ctx, "fine"))
}

func TestAbortResolvesBlockedApproval(t *testing.T) {
	f := newDispatcherFixture(t)
	f.host.BlockAsks(proto.AskTool)
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<write_to_file><path>a.ts</path><content>x</content></write_to_file>")

	done := make(chan error, 1)
	go func() { done <- f.d.WaitForToolProcessing(ctx) }()

	select {
	case <-f.host.AskStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("approval was never asked")
	}
	f.d.AbortTask(ctx)
	f.host.AbortPendingAsks()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForToolProcessing did not return after abort")
	}

	results := f.d.GetToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, proto.ToolRejected, results[0].Status)
	assert.Equal(t, InterruptedText, results[0].Payload.Text())
	assert.NoFileExists(t, filepath.Join(f.root, "a.ts"))
}

type countingRecorder struct {
	statuses []proto.ToolStatus
	mu       sync.Mutex
}

func (r *countingRecorder) ObserveTool(_ string, status proto.ToolStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestRecorderObservesOutcomes(t *testing.T) {
	rec := &countingRecorder{}
	f := newDispatcherFixture(t, WithRecorder(rec))
	f.writeFile(t, "a.ts", "a")
	f.host.Answer(proto.AskTool, proto.Yes(), proto.No())
	ctx := context.Background()

	f.d.ProcessToolUse(ctx, "<read_file><path>a.ts</path></read_file><read_file><path>a.ts</path></read_file>")
	require.NoError(t, f.d.WaitForToolProcessing(ctx))

	assert.Equal(t, []proto.ToolStatus{proto.ToolSuccess, proto.ToolRejected}, rec.statuses)
}
