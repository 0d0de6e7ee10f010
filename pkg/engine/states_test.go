package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/stream"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to proto.TaskState
		valid    bool
	}{
		{proto.StateIdle, proto.StateWaitingForAPI, true},
		{proto.StateIdle, proto.StateProcessingResponse, false},
		{proto.StateIdle, proto.StateAborted, false},
		{proto.StateWaitingForAPI, proto.StateProcessingResponse, true},
		{proto.StateWaitingForAPI, proto.StateIdle, true},
		{proto.StateProcessingResponse, proto.StateWaitingForAPI, true},
		{proto.StateProcessingResponse, proto.StateCompleted, true},
		{proto.StateWaitingForUser, proto.StateWaitingForAPI, true},
		{proto.StateWaitingForUser, proto.StateIdle, false},
		{proto.StateCompleted, proto.StateWaitingForAPI, true},
		{proto.StateCompleted, proto.StateAborted, false},
		{proto.StateAborted, proto.StateWaitingForAPI, true},
		{proto.StateAborted, proto.StateCompleted, true},
		{proto.StateAborted, proto.StateProcessingResponse, false},
		{proto.StateAborted, proto.StateAborted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, TaskTransitions.IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestEveryStateHasAnExit(t *testing.T) {
	for _, s := range proto.AllTaskStates() {
		assert.NotEmpty(t, TaskTransitions[s], "state %s has no outgoing transition", s)
	}
}

func TestNormalizeUserContent(t *testing.T) {
	assert.Equal(t, ContinueText, normalizeUserContent(nil).Text())
	assert.Equal(t, ContinueText, normalizeUserContent(proto.NewTextContent("  \n")).Text())
	assert.Equal(t, "fix it", normalizeUserContent(proto.NewTextContent("fix it")).Text())

	withImage := proto.Content{proto.TextBlock(""), proto.ImageBlock("image/png", "aGk=")}
	kept := normalizeUserContent(withImage)
	assert.Len(t, kept, 2)

	fixed := fixUserContent(kept)
	assert.Equal(t, EmptyBlockText, fixed[0].Text)
	assert.Equal(t, proto.BlockImage, fixed[1].Type)
	assert.Equal(t, "", withImage[0].Text, "input must not be modified")
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, llmerrors.KindNetwork, classifyFailure(fmt.Errorf("read: %w", stream.ErrInactivityTimeout)).Kind)

	tooLong := classifyFailure(llmerrors.FromStatus(413, "prompt is too long"))
	assert.Equal(t, llmerrors.KindAPI, tooLong.Kind)
	assert.Equal(t, 413, tooLong.StatusCode)

	assert.Equal(t, llmerrors.KindUnauthorized, classifyFailure(llmerrors.FromStatus(401, "")).Kind)
	assert.Equal(t, llmerrors.KindCancelled, classifyFailure(context.Canceled).Kind)
}
