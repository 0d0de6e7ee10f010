// Package history holds the model-facing conversation history and the UI-facing message log of one task.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

var (
	// ErrTurnNotFound is returned when no turn has the requested timestamp.
	ErrTurnNotFound = errors.New("conversation turn not found")
	// ErrMessageNotFound is returned when no UI message has the requested timestamp.
	ErrMessageNotFound = errors.New("ui message not found")
)

// Persister is the durable write-through target of a Store.
type Persister interface {
	SaveTurn(ctx context.Context, taskID string, turn *proto.ConversationTurn) error
	ReplaceTurns(ctx context.Context, taskID string, turns []proto.ConversationTurn) error
	SaveMessage(ctx context.Context, taskID string, msg *proto.UIMessage) error
}

// Loader restores a previously persisted task.
type Loader interface {
	LoadTurns(ctx context.Context, taskID string) ([]proto.ConversationTurn, error)
	LoadMessages(ctx context.Context, taskID string) ([]proto.UIMessage, error)
}

// Store is append-only, mutable in place. Reads return deep copies.
type Store struct {
	persister Persister
	logger    *logx.Logger
	taskID    string
	turns     []proto.ConversationTurn
	messages  []proto.UIMessage
	lastTs    int64
	mu        sync.RWMutex
}

// NewStore creates an empty store. persister may be nil.
func NewStore(taskID string, persister Persister) *Store {
	return &Store{
		taskID:    taskID,
		persister: persister,
		logger:    logx.NewLogger("history"),
	}
}

// TaskID returns the owning task id.
func (s *Store) TaskID() string {
	return s.taskID
}

// NextTimestamp returns a strictly increasing millisecond timestamp used as correlation id.
func (s *Store) NextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTimestampLocked()
}

func (s *Store) nextTimestampLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	return ts
}

// Load replaces the in-memory state with what loader holds for this task.
func (s *Store) Load(ctx context.Context, loader Loader) error {
	turns, err := loader.LoadTurns(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("failed to load turns: %w", err)
	}
	messages, err := loader.LoadMessages(ctx, s.taskID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = turns
	s.messages = messages
	for i := range turns {
		if turns[i].Timestamp > s.lastTs {
			s.lastTs = turns[i].Timestamp
		}
	}
	for i := range messages {
		if messages[i].Ts > s.lastTs {
			s.lastTs = messages[i].Ts
		}
	}
	s.logger.Info("📂 Restored task %s: %d turns, %d messages", s.taskID, len(turns), len(messages))
	return nil
}

// AddToAPIConversationHistory appends a turn. A zero timestamp is assigned. Returns the stored timestamp.
func (s *Store) AddToAPIConversationHistory(ctx context.Context, turn proto.ConversationTurn) (int64, error) {
	s.mu.Lock()
	stored := turn.Clone()
	if stored.Timestamp == 0 {
		stored.Timestamp = s.nextTimestampLocked()
	} else if stored.Timestamp > s.lastTs {
		s.lastTs = stored.Timestamp
	}
	s.turns = append(s.turns, stored)
	snapshot := stored.Clone()
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveTurn(ctx, s.taskID, &snapshot); err != nil {
			return snapshot.Timestamp, fmt.Errorf("failed to persist turn: %w", err)
		}
	}
	return snapshot.Timestamp, nil
}

// UpdateAPIHistoryItem applies patch to the turn with the given timestamp.
func (s *Store) UpdateAPIHistoryItem(ctx context.Context, ts int64, patch func(turn *proto.ConversationTurn)) error {
	s.mu.Lock()
	idx := s.indexOfTurnLocked(ts)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: ts=%d", ErrTurnNotFound, ts)
	}
	patch(&s.turns[idx])
	s.turns[idx].Timestamp = ts
	snapshot := s.turns[idx].Clone()
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveTurn(ctx, s.taskID, &snapshot); err != nil {
			return fmt.Errorf("failed to persist turn update: %w", err)
		}
	}
	return nil
}

func (s *Store) indexOfTurnLocked(ts int64) int {
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Timestamp == ts {
			return i
		}
	}
	return -1
}

// GetSavedAPIConversationHistory returns a deep copy of every turn in order.
func (s *Store) GetSavedAPIConversationHistory() []proto.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]proto.ConversationTurn, len(s.turns))
	for i := range s.turns {
		out[i] = s.turns[i].Clone()
	}
	return out
}

// OverwriteAPIConversationHistory replaces every turn, used after compaction.
func (s *Store) OverwriteAPIConversationHistory(ctx context.Context, turns []proto.ConversationTurn) error {
	s.mu.Lock()
	s.turns = make([]proto.ConversationTurn, len(turns))
	for i := range turns {
		s.turns[i] = turns[i].Clone()
	}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.ReplaceTurns(ctx, s.taskID, turns); err != nil {
			return fmt.Errorf("failed to persist compacted history: %w", err)
		}
	}
	return nil
}

// LastTurn returns the most recent turn with the given role.
func (s *Store) LastTurn(role proto.Role) (proto.ConversationTurn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == role {
			return s.turns[i].Clone(), true
		}
	}
	return proto.ConversationTurn{}, false
}

// AddUIMessage appends a UI message. A zero Ts is assigned. Returns the stored Ts.
func (s *Store) AddUIMessage(ctx context.Context, msg proto.UIMessage) (int64, error) {
	s.mu.Lock()
	if msg.Ts == 0 {
		msg.Ts = s.nextTimestampLocked()
	} else if msg.Ts > s.lastTs {
		s.lastTs = msg.Ts
	}
	msg.Tool = msg.Tool.Clone()
	s.messages = append(s.messages, msg)
	snapshot := cloneMessage(&msg)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveMessage(ctx, s.taskID, &snapshot); err != nil {
			return snapshot.Ts, fmt.Errorf("failed to persist ui message: %w", err)
		}
	}
	return snapshot.Ts, nil
}

// UpdateUIMessage applies patch to the message with the given Ts and returns the result.
func (s *Store) UpdateUIMessage(ctx context.Context, ts int64, patch func(msg *proto.UIMessage)) (proto.UIMessage, error) {
	s.mu.Lock()
	idx := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Ts == ts {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return proto.UIMessage{}, fmt.Errorf("%w: ts=%d", ErrMessageNotFound, ts)
	}
	patch(&s.messages[idx])
	s.messages[idx].Ts = ts
	snapshot := cloneMessage(&s.messages[idx])
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveMessage(ctx, s.taskID, &snapshot); err != nil {
			return snapshot, fmt.Errorf("failed to persist ui message update: %w", err)
		}
	}
	return snapshot, nil
}

// GetUIMessages returns a copy of the UI message log.
func (s *Store) GetUIMessages() []proto.UIMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]proto.UIMessage, len(s.messages))
	for i := range s.messages {
		out[i] = cloneMessage(&s.messages[i])
	}
	return out
}

// FindLastUIMessage returns the newest message matching pred.
func (s *Store) FindLastUIMessage(pred func(msg *proto.UIMessage) bool) (proto.UIMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		if pred(&s.messages[i]) {
			return cloneMessage(&s.messages[i]), true
		}
	}
	return proto.UIMessage{}, false
}

func cloneMessage(m *proto.UIMessage) proto.UIMessage {
	out := *m
	out.Tool = m.Tool.Clone()
	if m.APIMetrics != nil {
		usage := *m.APIMetrics
		out.APIMetrics = &usage
	}
	if m.Images != nil {
		out.Images = append([]string(nil), m.Images...)
	}
	return out
}
