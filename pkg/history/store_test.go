package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

type recordingPersister struct {
	turns    map[int64]proto.ConversationTurn
	messages map[int64]proto.UIMessage
	replaced int
	mu       sync.Mutex
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{
		turns:    make(map[int64]proto.ConversationTurn),
		messages: make(map[int64]proto.UIMessage),
	}
}

func (p *recordingPersister) SaveTurn(_ context.Context, _ string, turn *proto.ConversationTurn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns[turn.Timestamp] = turn.Clone()
	return nil
}

func (p *recordingPersister) ReplaceTurns(_ context.Context, _ string, turns []proto.ConversationTurn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaced++
	p.turns = make(map[int64]proto.ConversationTurn)
	for i := range turns {
		p.turns[turns[i].Timestamp] = turns[i].Clone()
	}
	return nil
}

func (p *recordingPersister) SaveMessage(_ context.Context, _ string, msg *proto.UIMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[msg.Ts] = *msg
	return nil
}

func (p *recordingPersister) LoadTurns(_ context.Context, _ string) ([]proto.ConversationTurn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]proto.ConversationTurn, 0, len(p.turns))
	for _, turn := range p.turns {
		out = append(out, turn)
	}
	return out, nil
}

func (p *recordingPersister) LoadMessages(_ context.Context, _ string) ([]proto.UIMessage, error) {
	return nil, nil
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	store := NewStore("task-1", nil)
	ctx := context.Background()

	content := proto.Content{
		proto.TextBlock("fix the bug <in> a.ts\n"),
		proto.ImageBlock("image/png", "iVBORw0KGgo="),
	}
	ts, err := store.AddToAPIConversationHistory(ctx, proto.ConversationTurn{
		Role:    proto.RoleUser,
		Content: content,
		Commit:  &proto.CommitAttributes{CommitHash: "abc123", Branch: "main"},
	})
	require.NoError(t, err)
	assert.NotZero(t, ts)

	turns := store.GetSavedAPIConversationHistory()
	require.Len(t, turns, 1)
	assert.Equal(t, content, turns[0].Content)
	assert.Equal(t, "abc123", turns[0].Commit.CommitHash)

	// Mutating the returned copy must not leak back.
	turns[0].Content[0].Text = "changed"
	assert.Equal(t, "fix the bug <in> a.ts\n", store.GetSavedAPIConversationHistory()[0].Content[0].Text)
}

func TestUpdateAPIHistoryItem(t *testing.T) {
	store := NewStore("task-1", nil)
	ctx := context.Background()

	ts, err := store.AddToAPIConversationHistory(ctx, proto.ConversationTurn{
		Role:    proto.RoleAssistant,
		Content: proto.NewTextContent("placeholder"),
	})
	require.NoError(t, err)

	err = store.UpdateAPIHistoryItem(ctx, ts, func(turn *proto.ConversationTurn) {
		turn.Content[0].Text = "Let me look."
	})
	require.NoError(t, err)

	last, ok := store.LastTurn(proto.RoleAssistant)
	require.True(t, ok)
	assert.Equal(t, "Let me look.", last.Content.Text())
	assert.Equal(t, ts, last.Timestamp)

	err = store.UpdateAPIHistoryItem(ctx, ts+1000, func(*proto.ConversationTurn) {})
	assert.True(t, errors.Is(err, ErrTurnNotFound))
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	store := NewStore("task-1", nil)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		ts := store.NextTimestamp()
		assert.Greater(t, ts, prev)
		prev = ts
	}
}

func TestWriteThroughPersistence(t *testing.T) {
	persister := newRecordingPersister()
	store := NewStore("task-1", persister)
	ctx := context.Background()

	ts, err := store.AddToAPIConversationHistory(ctx, proto.ConversationTurn{Role: proto.RoleUser, Content: proto.NewTextContent("a")})
	require.NoError(t, err)
	require.NoError(t, store.UpdateAPIHistoryItem(ctx, ts, func(turn *proto.ConversationTurn) {
		turn.Content = proto.NewTextContent("b")
	}))
	assert.Equal(t, "b", persister.turns[ts].Content.Text())

	msgTs, err := store.AddUIMessage(ctx, proto.UIMessage{Type: proto.MessageSay, Say: proto.SayText, Text: "hi"})
	require.NoError(t, err)
	updated, err := store.UpdateUIMessage(ctx, msgTs, func(msg *proto.UIMessage) { msg.IsDone = true })
	require.NoError(t, err)
	assert.True(t, updated.IsDone)
	assert.True(t, persister.messages[msgTs].IsDone)

	require.NoError(t, store.OverwriteAPIConversationHistory(ctx, nil))
	assert.Equal(t, 1, persister.replaced)
	assert.Empty(t, store.GetSavedAPIConversationHistory())
}

func TestLoadRestoresClock(t *testing.T) {
	persister := newRecordingPersister()
	persister.turns[5_000_000_000_000] = proto.ConversationTurn{Role: proto.RoleUser, Timestamp: 5_000_000_000_000}

	store := NewStore("task-1", persister)
	require.NoError(t, store.Load(context.Background(), persister))
	assert.Len(t, store.GetSavedAPIConversationHistory(), 1)
	assert.Greater(t, store.NextTimestamp(), int64(5_000_000_000_000))
}

func TestFindLastUIMessage(t *testing.T) {
	store := NewStore("task-1", nil)
	ctx := context.Background()

	_, err := store.AddUIMessage(ctx, proto.UIMessage{Type: proto.MessageAsk, Ask: proto.AskTool, Tool: &proto.ToolInvocation{Name: "read_file", ApprovalState: proto.ApprovalPending}})
	require.NoError(t, err)
	_, err = store.AddUIMessage(ctx, proto.UIMessage{Type: proto.MessageSay, Say: proto.SayText, Text: "x"})
	require.NoError(t, err)

	msg, ok := store.FindLastUIMessage(func(m *proto.UIMessage) bool { return m.Ask == proto.AskTool })
	require.True(t, ok)
	assert.Equal(t, "read_file", msg.Tool.Name)

	_, ok = store.FindLastUIMessage(func(m *proto.UIMessage) bool { return m.Say == proto.SayError })
	assert.False(t, ok)
}
