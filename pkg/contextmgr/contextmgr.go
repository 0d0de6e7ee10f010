// Package contextmgr provides token counting and compaction for the model-facing conversation history.
package contextmgr

import (
	"fmt"

	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Limits describes the context budget of one model.
type Limits struct {
	MaxContextTokens int // Maximum total context size
	MaxReplyTokens   int // Maximum tokens for model reply
	CompactionBuffer int // Buffer tokens before compaction
}

// Threshold returns the history size above which compaction is needed.
func (l Limits) Threshold() int {
	return l.MaxContextTokens - l.MaxReplyTokens - l.CompactionBuffer
}

// DefaultLimits is used for models without registry data.
var DefaultLimits = Limits{MaxContextTokens: 32000, MaxReplyTokens: 4096, CompactionBuffer: 2000}

// ContextManager decides when history must shrink and performs the shrinking.
type ContextManager struct {
	counter *TokenCounter
	logger  *logx.Logger
	limits  Limits
}

// NewContextManager creates a context manager. A nil counter falls back to character estimates.
func NewContextManager(counter *TokenCounter, limits Limits) *ContextManager {
	if limits.MaxContextTokens <= 0 {
		limits = DefaultLimits
	}
	return &ContextManager{
		counter: counter,
		limits:  limits,
		logger:  logx.NewLogger("contextmgr"),
	}
}

// Limits returns the configured budget.
func (cm *ContextManager) Limits() Limits {
	return cm.limits
}

// CountTokens returns the size of a request.
func (cm *ContextManager) CountTokens(systemPrompt string, turns []proto.ConversationTurn) int {
	return cm.counter.CountHistory(systemPrompt, turns)
}

// ShouldCompact checks if compaction is needed without performing it.
func (cm *ContextManager) ShouldCompact(systemPrompt string, turns []proto.ConversationTurn) bool {
	return cm.CountTokens(systemPrompt, turns) > cm.limits.Threshold()
}

// Compact drops the oldest user/assistant pairs after the first turn. At least one pair is dropped
// when possible, since a provider rejecting the request knows better than the local estimate; after
// that pairs are dropped until the history fits. The first turn (the task) and the last turn (the
// pending request) are always kept, and roles keep alternating.
//
// It returns the compacted copy and whether anything was removed.
func (cm *ContextManager) Compact(systemPrompt string, turns []proto.ConversationTurn) ([]proto.ConversationTurn, bool) {
	out := make([]proto.ConversationTurn, len(turns))
	copy(out, turns)

	before := len(out)
	target := cm.limits.Threshold()
	for len(out) > 3 {
		if len(out) < before && cm.CountTokens(systemPrompt, out) <= target {
			break
		}
		out = append(out[:1], out[3:]...)
	}

	removed := before - len(out)
	if removed == 0 {
		return out, false
	}
	cm.logger.Info("🗜️ Compacted history: dropped %d of %d turns (%d tokens now)", removed, before, cm.CountTokens(systemPrompt, out))
	return out, true
}

// Summary returns a brief description of the history state.
func (cm *ContextManager) Summary(systemPrompt string, turns []proto.ConversationTurn) string {
	if len(turns) == 0 {
		return "Empty context"
	}
	users := 0
	for i := range turns {
		if turns[i].Role == proto.RoleUser {
			users++
		}
	}
	return fmt.Sprintf("%d turns (%d tokens, threshold %d) - user: %d, assistant: %d",
		len(turns), cm.CountTokens(systemPrompt, turns), cm.limits.Threshold(), users, len(turns)-users)
}
