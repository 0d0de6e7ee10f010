package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

func collect(t *testing.T, ch <-chan proto.StreamChunk) []proto.StreamChunk {
	t.Helper()
	var out []proto.StreamChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func request() llm.Request {
	return llm.Request{
		SystemPrompt: "sys",
		History:      []proto.ConversationTurn{{Role: proto.RoleUser, Content: proto.NewTextContent("fix the bug")}},
		MaxTokens:    32,
	}
}

func TestStreamTranslatesResponses(t *testing.T) {
	var got api.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"phi4","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"Let me "},"done":false}`)
		fmt.Fprintln(w, `{"model":"phi4","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"look."},"done":false}`)
		fmt.Fprintln(w, `{"model":"phi4","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":3}`)
	}))
	defer server.Close()

	client := NewOllamaClientWithModel(server.URL, "phi4")
	ch, err := client.Stream(context.Background(), request())
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Let me ", chunks[0].Text)
	assert.Equal(t, "look.", chunks[1].Text)
	require.Equal(t, proto.ChunkSuccess, chunks[2].Code)
	assert.Equal(t, int64(12), chunks[2].Usage.InputTokens)
	assert.Equal(t, int64(3), chunks[2].Usage.OutputTokens)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.EqualValues(t, 32, got.Options["num_predict"])
}

func TestStreamReportsMissingModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"phi4\" not found, try pulling it first"}`)
	}))
	defer server.Close()

	client := NewOllamaClientWithModel(server.URL, "phi4")
	ch, err := client.Stream(context.Background(), request())
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 1)
	assert.Equal(t, proto.ChunkError, chunks[0].Code)
	assert.Equal(t, http.StatusNotFound, chunks[0].Status)
	assert.Contains(t, chunks[0].Message, "not found")
}

func TestClassifyError(t *testing.T) {
	err := classifyError(fmt.Errorf("dial tcp 127.0.0.1:11434: connect: connection refused"), "http://localhost:11434")
	assert.Equal(t, llmerrors.KindNetwork, err.Kind)
	assert.Contains(t, err.Message, "http://localhost:11434")

	err = classifyError(api.StatusError{StatusCode: 500, ErrorMessage: "input length exceeds maximum context length"}, "")
	assert.Equal(t, llmerrors.KindAPI, err.Kind)

	err = classifyError(api.StatusError{StatusCode: 401, Status: "401 Unauthorized"}, "")
	assert.Equal(t, llmerrors.KindUnauthorized, err.Kind)
}

func TestConvertHistory(t *testing.T) {
	_, err := convertHistory("", nil)
	assert.Error(t, err)

	messages, err := convertHistory("", []proto.ConversationTurn{
		{Role: proto.RoleUser, Content: proto.Content{proto.TextBlock("see"), proto.ImageBlock("image/png", "aGk=")}},
		{Role: proto.RoleAssistant, Content: proto.NewTextContent("ok")},
	})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Len(t, messages[0].Images, 1)
	assert.Equal(t, api.ImageData("hi"), messages[0].Images[0])
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestHostFallback(t *testing.T) {
	c, ok := NewOllamaClientWithModel("::not a url", "phi4").(*Client)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:11434", c.hostURL)
}
