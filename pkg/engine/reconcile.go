package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/tools"
)

// finishResponse folds the tool results of a completed response into the next user turn.
func (e *Executor) finishResponse(ctx context.Context) (bool, error) {
	if e.turn.assistantTs != 0 && (!e.turn.textSeen || strings.TrimSpace(e.turn.text.String()) == "") {
		if err := e.store.UpdateAPIHistoryItem(ctx, e.turn.assistantTs, func(turn *proto.ConversationTurn) {
			turn.Content = proto.NewTextContent(EmptyReplyText)
		}); err != nil {
			e.logger.Warn("Failed to patch empty reply: %v", err)
		}
	}

	e.mu.Lock()
	e.consecutiveErrors = 0
	e.mu.Unlock()

	results := e.dispatcher.GetToolResults()
	if len(results) == 0 {
		e.logger.Info("🔁 Response used no tool, asking the model to use one")
		e.setUserContent(proto.NewTextContent(NoToolDirectiveText))
		return e.continueLoop(ctx)
	}

	content := tools.FormatToolResults(results)
	if completion, ok := completionResult(results); ok && completion.Status == proto.ToolSuccess {
		return false, e.complete(ctx, content)
	}

	e.mu.Lock()
	e.lastCommit = lastCommit(results)
	e.userContent = content
	e.mu.Unlock()
	e.logger.Info("🔁 Continuing with %d tool result(s)", len(results))
	return e.continueLoop(ctx)
}

func (e *Executor) continueLoop(ctx context.Context) (bool, error) {
	if err := e.transition(ctx, proto.StateWaitingForAPI); err != nil {
		return false, err
	}
	return true, nil
}

// complete records the final tool results with a closing assistant turn and ends the task.
func (e *Executor) complete(ctx context.Context, content proto.Content) error {
	if _, err := e.store.AddToAPIConversationHistory(ctx, proto.ConversationTurn{
		Role:    proto.RoleUser,
		Content: content,
	}); err != nil {
		return fmt.Errorf("failed to add completion result: %w", err)
	}
	if _, err := e.store.AddToAPIConversationHistory(ctx, proto.ConversationTurn{
		Role:    proto.RoleAssistant,
		Content: proto.NewTextContent(CompletedReplyText),
	}); err != nil {
		return fmt.Errorf("failed to add completion reply: %w", err)
	}
	if err := e.transition(ctx, proto.StateCompleted); err != nil {
		return err
	}
	e.logger.Info("✅ Task completed")
	return nil
}

func completionResult(results []proto.ToolResult) (proto.ToolResult, bool) {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Name == tools.ToolAttemptCompletion {
			return results[i], true
		}
	}
	return proto.ToolResult{}, false
}

// lastCommit returns the commit of the most recent result that carries one.
func lastCommit(results []proto.ToolResult) *proto.CommitAttributes {
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Commit.IsZero() {
			c := *results[i].Commit
			return &c
		}
	}
	return nil
}
