package llm_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claude-coder/internal/mocks"
	"github.com/jasonkneen/claude-coder/pkg/contextmgr"
	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/metrics"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

type recordingRecorder struct {
	requests    []metrics.RequestObservation
	compactions int
	mu          sync.Mutex
}

func (r *recordingRecorder) ObserveRequest(obs metrics.RequestObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, obs)
}

func (r *recordingRecorder) ObserveCompaction(_, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compactions++
}

func (r *recordingRecorder) ObserveTool(string, proto.ToolStatus, time.Duration) {}

func (r *recordingRecorder) snapshot() ([]metrics.RequestObservation, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metrics.RequestObservation(nil), r.requests...), r.compactions
}

func drain(t *testing.T, ch <-chan proto.StreamChunk) []proto.StreamChunk {
	t.Helper()
	var out []proto.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

// longHistory builds the task turn followed by pairs alternating assistant/user.
func longHistory(pairs int) []proto.ConversationTurn {
	turns := []proto.ConversationTurn{{Role: proto.RoleUser, Timestamp: 1, Content: proto.NewTextContent("task")}}
	for i := 0; i < pairs; i++ {
		turns = append(turns,
			proto.ConversationTurn{Role: proto.RoleAssistant, Timestamp: int64(2 + 2*i), Content: proto.NewTextContent(fmt.Sprintf("answer %d", i))},
			proto.ConversationTurn{Role: proto.RoleUser, Timestamp: int64(3 + 2*i), Content: proto.NewTextContent(fmt.Sprintf("result %d", i))},
		)
	}
	return turns
}

func newManager(client llm.Client, rec metrics.Recorder, retries int) *llm.Manager {
	cm := contextmgr.NewContextManager(nil, contextmgr.Limits{MaxContextTokens: 1000, MaxReplyTokens: 100, CompactionBuffer: 100})
	return llm.NewManager(client,
		llm.WithContextManager(cm),
		llm.WithRecorder(rec),
		llm.WithCompactionRetries(retries),
		llm.WithTaskID("task-test"),
	)
}

func TestManagerPricesSuccessfulResponses(t *testing.T) {
	client := mocks.NewMockModelClient()
	client.SetModelName("claude-sonnet-4-20250514")
	client.StreamText("hel", "lo")
	rec := &recordingRecorder{}
	m := newManager(client, rec, 5)

	ch, err := m.Stream(context.Background(), llm.NewRequest("sys", longHistory(0)))
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	require.Equal(t, proto.ChunkSuccess, chunks[2].Code)
	assert.InDelta(t, 10*3.0/1e6+5*15.0/1e6, chunks[2].Usage.Cost, 1e-12)

	requests, _ := rec.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, metrics.StatusSuccess, requests[0].Status)
	assert.Equal(t, "task-test", requests[0].TaskID)
}

func TestManagerCompactsAndRetriesSilently(t *testing.T) {
	client := mocks.NewMockModelClient()
	client.StreamError(413, "prompt is too long: 250000 tokens > 200000 maximum")
	client.StreamText("fits now")
	rec := &recordingRecorder{}
	m := newManager(client, rec, 5)

	var compacted [][]proto.ConversationTurn
	var mu sync.Mutex
	m.OnCompact(func(history []proto.ConversationTurn) {
		mu.Lock()
		defer mu.Unlock()
		compacted = append(compacted, history)
	})

	history := longHistory(3)
	ch, err := m.Stream(context.Background(), llm.NewRequest("sys", history))
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 2, "the overflow never reaches the consumer")
	assert.Equal(t, "fits now", chunks[0].Text)
	assert.Equal(t, proto.ChunkSuccess, chunks[1].Code)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[0].History, len(history))
	assert.Less(t, len(calls[1].History), len(history))
	assert.Equal(t, history[0].Content, calls[1].History[0].Content, "the task turn is kept")
	assert.Equal(t, history[len(history)-1].Content, calls[1].History[len(calls[1].History)-1].Content)

	mu.Lock()
	require.Len(t, compacted, 1)
	assert.Equal(t, calls[1].History, compacted[0])
	mu.Unlock()

	_, compactions := rec.snapshot()
	assert.Equal(t, 1, compactions)
}

func TestManagerForwardsOverflowAfterText(t *testing.T) {
	client := mocks.NewMockModelClient()
	client.StreamError(400, "prompt is too long", "partial ")
	m := newManager(client, &recordingRecorder{}, 5)

	ch, err := m.Stream(context.Background(), llm.NewRequest("sys", longHistory(3)))
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 2)
	assert.Equal(t, proto.ChunkError, chunks[1].Code)
	assert.Equal(t, 400, chunks[1].Status)
	assert.Equal(t, 1, client.CallCount())
}

func TestManagerSurfacesAPIErrorWhenRetriesAreExhausted(t *testing.T) {
	client := mocks.NewMockModelClient()
	client.StreamError(413, "prompt is too long")
	rec := &recordingRecorder{}
	m := newManager(client, rec, 2)

	ch, err := m.Stream(context.Background(), llm.NewRequest("sys", longHistory(6)))
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 1)
	assert.Equal(t, proto.ChunkError, chunks[0].Code)
	assert.Equal(t, 413, chunks[0].Status)
	assert.Contains(t, chunks[0].Message, "API_ERROR")
	assert.Equal(t, 3, client.CallCount(), "initial request plus two retries")

	requests, compactions := rec.snapshot()
	assert.Equal(t, 2, compactions)
	require.Len(t, requests, 1)
	assert.Equal(t, llmerrors.KindAPI.String(), requests[0].ErrorKind)
}

func TestManagerRetriesOverflowReturnedByOpen(t *testing.T) {
	client := mocks.NewMockModelClient()
	client.FailStreamWith(llmerrors.FromStatus(413, ""))
	client.StreamText("ok")
	m := newManager(client, &recordingRecorder{}, 5)

	ch, err := m.Stream(context.Background(), llm.NewRequest("sys", longHistory(2)))
	require.NoError(t, err)
	chunks := drain(t, ch)
	assert.Equal(t, "ok", chunks[0].Text)
	assert.Equal(t, 2, client.CallCount())
}

func TestManagerReturnsClassifiedOpenErrors(t *testing.T) {
	client := mocks.NewMockModelClient()
	client.FailStreamWith(llmerrors.FromStatus(401, ""))
	rec := &recordingRecorder{}
	m := newManager(client, rec, 5)

	_, err := m.Stream(context.Background(), llm.NewRequest("sys", longHistory(0)))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.KindUnauthorized))

	requests, _ := rec.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, metrics.StatusError, requests[0].Status)
	assert.Equal(t, "UNAUTHORIZED", requests[0].ErrorKind)
}

func TestManagerStopsOnCancellation(t *testing.T) {
	client := mocks.NewMockModelClient()
	client.StreamAndHold("thinking")
	rec := &recordingRecorder{}
	m := newManager(client, rec, 5)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Stream(ctx, llm.NewRequest("sys", longHistory(0)))
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "thinking", first.Text)
	cancel()
	drain(t, ch)

	assert.Eventually(t, func() bool {
		requests, _ := rec.snapshot()
		return len(requests) == 1 && requests[0].Status == metrics.StatusCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestManagerDefaultsMaxTokens(t *testing.T) {
	client := mocks.NewMockModelClient()
	m := llm.NewManager(client, llm.WithMaxTokens(1234))

	ch, err := m.Stream(context.Background(), llm.Request{SystemPrompt: "sys", History: longHistory(0)})
	require.NoError(t, err)
	drain(t, ch)
	assert.Equal(t, 1234, client.Calls()[0].MaxTokens)
	assert.Equal(t, "mock-model", m.GetModelName())
}
