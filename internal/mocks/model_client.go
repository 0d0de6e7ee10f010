package mocks

import (
	"context"
	"sync"

	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// MockModelClient implements llm.Client for testing.
// Each Stream call consumes the next scripted response; once the script is exhausted the
// last response is replayed.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockModelClient struct {
	// StreamFunc is called when Stream is invoked. Override to customize behavior.
	StreamFunc func(ctx context.Context, req llm.Request) (<-chan proto.StreamChunk, error)

	// StreamCalls tracks all calls to Stream for verification.
	StreamCalls []llm.Request

	// script holds the queued responses used by the default StreamFunc.
	script []Response

	// modelName is the model name returned by GetModelName.
	modelName string

	// mu protects call tracking and the script
	mu sync.Mutex
}

// Response is one scripted stream: the chunks to send, or an error returned by Stream itself.
type Response struct {
	// Err is returned from Stream without opening a channel.
	Err error
	// Chunks are sent in order. Hold blocks the stream after them until ctx ends.
	Chunks []proto.StreamChunk
	Hold   bool
}

// NewMockModelClient creates a new mock model client with default behavior.
// Default behavior: every stream is a single "Mock streamed response" delta and a success chunk.
func NewMockModelClient() *MockModelClient {
	m := &MockModelClient{
		modelName: "mock-model",
	}
	m.StreamFunc = m.playScript
	return m
}

// Stream implements llm.Client.
func (m *MockModelClient) Stream(ctx context.Context, req llm.Request) (<-chan proto.StreamChunk, error) {
	m.mu.Lock()
	req.History = cloneHistory(req.History)
	m.StreamCalls = append(m.StreamCalls, req)
	fn := m.StreamFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// GetModelName implements llm.Client.
func (m *MockModelClient) GetModelName() string {
	return m.modelName
}

// Calls returns a copy of the recorded requests.
func (m *MockModelClient) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.StreamCalls))
	copy(out, m.StreamCalls)
	return out
}

// CallCount returns the number of Stream calls.
func (m *MockModelClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.StreamCalls)
}

// --- Configuration methods ---

// SetModelName sets the model name returned by GetModelName.
func (m *MockModelClient) SetModelName(name string) {
	m.modelName = name
}

// OnStream sets a custom handler for Stream calls.
func (m *MockModelClient) OnStream(fn func(ctx context.Context, req llm.Request) (<-chan proto.StreamChunk, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamFunc = fn
}

// --- Script helpers ---

// Enqueue appends scripted responses.
func (m *MockModelClient) Enqueue(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// StreamText enqueues a response made of one text delta per fragment and a success chunk.
func (m *MockModelClient) StreamText(fragments ...string) {
	chunks := make([]proto.StreamChunk, 0, len(fragments)+1)
	for _, f := range fragments {
		chunks = append(chunks, proto.TextChunk(f))
	}
	chunks = append(chunks, proto.SuccessChunk(&proto.Usage{InputTokens: 10, OutputTokens: 5}, nil))
	m.Enqueue(Response{Chunks: chunks})
}

// StreamError enqueues a response made of the given deltas and a terminal error chunk.
func (m *MockModelClient) StreamError(status int, message string, fragments ...string) {
	chunks := make([]proto.StreamChunk, 0, len(fragments)+1)
	for _, f := range fragments {
		chunks = append(chunks, proto.TextChunk(f))
	}
	chunks = append(chunks, proto.ErrorChunk(status, message))
	m.Enqueue(Response{Chunks: chunks})
}

// StreamAndHold enqueues a response that sends the deltas and then stalls until the request is cancelled.
func (m *MockModelClient) StreamAndHold(fragments ...string) {
	chunks := make([]proto.StreamChunk, 0, len(fragments))
	for _, f := range fragments {
		chunks = append(chunks, proto.TextChunk(f))
	}
	m.Enqueue(Response{Chunks: chunks, Hold: true})
}

// FailStreamWith enqueues a response whose Stream call fails with err.
func (m *MockModelClient) FailStreamWith(err error) {
	m.Enqueue(Response{Err: err})
}

func (m *MockModelClient) playScript(ctx context.Context, _ llm.Request) (<-chan proto.StreamChunk, error) {
	m.mu.Lock()
	var resp Response
	switch len(m.script) {
	case 0:
		resp = Response{Chunks: []proto.StreamChunk{
			proto.TextChunk("Mock streamed response"),
			proto.SuccessChunk(&proto.Usage{}, nil),
		}}
	case 1:
		resp = m.script[0]
	default:
		resp = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}

	ch := make(chan proto.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range resp.Chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if resp.Hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func cloneHistory(turns []proto.ConversationTurn) []proto.ConversationTurn {
	out := make([]proto.ConversationTurn, len(turns))
	for i := range turns {
		out[i] = turns[i].Clone()
	}
	return out
}
