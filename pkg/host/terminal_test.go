package host

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

func TestParseAnswer(t *testing.T) {
	assert.Equal(t, proto.ResponseYes, ParseAnswer("").Response)
	assert.Equal(t, proto.ResponseYes, ParseAnswer(" Y ").Response)
	assert.Equal(t, proto.ResponseNo, ParseAnswer("no").Response)

	msg := ParseAnswer("  use tabs instead ")
	assert.Equal(t, proto.ResponseMessage, msg.Response)
	assert.Equal(t, "use tabs instead", msg.Text)
}

func TestTerminalAskReadsLines(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("y\nfix it properly\n"), &out)
	ctx := context.Background()

	tool := &proto.ToolInvocation{Name: "read_file", Params: map[string]string{"path": "a.ts"}}
	resp, err := term.Ask(ctx, proto.AskTool, proto.AskPayload{Tool: tool}, 1)
	require.NoError(t, err)
	assert.Equal(t, proto.ResponseYes, resp.Response)

	resp, err = term.Ask(ctx, proto.AskFollowup, proto.AskPayload{Question: "Which file?"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "fix it properly", resp.Text)

	_, err = term.Ask(ctx, proto.AskFollowup, proto.AskPayload{Question: "More?"}, 3)
	assert.ErrorIs(t, err, io.EOF)

	assert.Contains(t, out.String(), "read_file")
	assert.Contains(t, out.String(), "path: a.ts")
	assert.Contains(t, out.String(), "Which file?")
}

func TestTerminalAbortPendingAsks(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	term := NewTerminal(reader, io.Discard)

	done := make(chan error, 1)
	go func() {
		_, err := term.Ask(context.Background(), proto.AskResumeTask, proto.AskPayload{Question: "Resume?"}, 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	term.AbortPendingAsks()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAskAborted)
	case <-time.After(time.Second):
		t.Fatal("ask did not unblock")
	}
}

func TestTerminalAutoApprove(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	term := NewTerminal(reader, io.Discard, WithAutoApprove(true))

	resp, err := term.Ask(context.Background(), proto.AskTool, proto.AskPayload{Tool: &proto.ToolInvocation{Name: "write_to_file"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, proto.ResponseYes, resp.Response)
}

func TestTerminalUpdateAskPrintsStateChangesOnce(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader(""), &out)
	ctx := context.Background()

	tool := &proto.ToolInvocation{Name: "write_to_file", ApprovalState: proto.ApprovalLoading}
	require.NoError(t, term.UpdateAsk(ctx, proto.AskTool, proto.AskPayload{Tool: tool}, 7))
	require.NoError(t, term.UpdateAsk(ctx, proto.AskTool, proto.AskPayload{Tool: tool}, 7))

	assert.Equal(t, 1, strings.Count(out.String(), "write_to_file..."))
}

func TestTerminalForgetsFinishedAsks(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader(""), &out)
	ctx := context.Background()

	for ts := int64(1); ts <= 50; ts++ {
		tool := &proto.ToolInvocation{Name: "read_file", ApprovalState: proto.ApprovalLoading}
		require.NoError(t, term.UpdateAsk(ctx, proto.AskTool, proto.AskPayload{Tool: tool}, ts))
		tool.ApprovalState = proto.ApprovalApproved
		require.NoError(t, term.UpdateAsk(ctx, proto.AskTool, proto.AskPayload{Tool: tool}, ts))
	}

	term.mu.Lock()
	defer term.mu.Unlock()
	assert.Empty(t, term.lastState)
	assert.Equal(t, 50, strings.Count(out.String(), "✅ read_file"))
}
