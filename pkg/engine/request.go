package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/stream"
)

// turnState is the per-request buffer of the request loop.
type turnState struct {
	startedTs   int64 // api_req_started message
	assistantTs int64 // assistant placeholder turn
	text        strings.Builder
	textSeen    bool
	replyTs     int64 // prose message currently being extended
	reply       strings.Builder
}

// makeRequest runs one request and reports whether the loop should issue another.
func (e *Executor) makeRequest(ctx context.Context) (bool, error) {
	if err := e.interrupted(ctx); err != nil {
		return false, err
	}
	e.mu.Lock()
	state := e.state
	content := e.userContent
	e.mu.Unlock()
	if state != proto.StateWaitingForAPI {
		return false, fmt.Errorf("%w: request requires %s, task is %s", ErrWrongState, proto.StateWaitingForAPI, state)
	}

	e.dispatcher.ResetToolState(ctx)
	e.turn = &turnState{}

	content, proceed, err := e.askToContinue(ctx, content)
	if err != nil || !proceed {
		return false, err
	}
	content, proceed, err = e.confirmAfterErrors(ctx, content)
	if err != nil || !proceed {
		return false, err
	}
	content = fixUserContent(content)

	e.mu.Lock()
	e.userContent = content
	commit := e.lastCommit
	e.lastCommit = nil
	e.mu.Unlock()

	turn := proto.ConversationTurn{Role: proto.RoleUser, Content: content, Commit: commit}
	if _, err := e.store.AddToAPIConversationHistory(ctx, turn); err != nil {
		return false, fmt.Errorf("failed to add user turn: %w", err)
	}
	e.turn.startedTs = e.store.NextTimestamp()
	if _, err := e.ui.Say(ctx, proto.SayAPIReqStarted, "", nil, proto.SayOptions{Ts: e.turn.startedTs}); err != nil {
		e.logger.Warn("Failed to show request start: %v", err)
	}

	history := e.store.GetSavedAPIConversationHistory()
	e.mu.Lock()
	e.requestLen = len(history)
	e.pendingCompaction = nil
	e.mu.Unlock()

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	e.logger.Info("📤 Sending request with %d turns to %s", len(history), e.client.GetModelName())
	src, err := e.client.Stream(reqCtx, llm.Request{
		SystemPrompt: e.systemPrompt,
		History:      history,
		MaxTokens:    e.maxTokens,
	})
	e.applyCompaction(ctx)
	if err != nil {
		if ierr := e.interrupted(ctx); ierr != nil {
			return false, ierr
		}
		return e.handleAPIError(ctx, err)
	}

	if err := e.transition(ctx, proto.StateProcessingResponse); err != nil {
		return false, err
	}

	proc := stream.NewProcessor(e.handlers(),
		stream.WithInactivityTimeout(e.cfg.InactivityTimeout.Std()),
		stream.WithQueueSize(e.cfg.QueueSize),
		stream.WithLogger(e.logger.WithComponent(e.logger.Component()+"/stream")),
	)
	err = proc.Process(reqCtx, src, cancelReq)
	if ierr := e.interrupted(ctx); ierr != nil {
		return false, ierr
	}
	if err != nil {
		return e.handleAPIError(ctx, err)
	}
	return e.finishResponse(ctx)
}

func (e *Executor) handlers() stream.Handlers {
	return stream.Handlers{
		Start:        e.onStreamStart,
		Chunk:        e.onChunk,
		ImmediateEnd: e.onImmediateEnd,
		FinalEnd:     e.onFinalEnd,
	}
}

// onStreamStart records the assistant placeholder that the first text delta replaces.
func (e *Executor) onStreamStart(ctx context.Context) error {
	ts, err := e.store.AddToAPIConversationHistory(ctx, proto.ConversationTurn{
		Role:    proto.RoleAssistant,
		Content: proto.NewTextContent(InterruptedReplyText),
	})
	if err != nil {
		return fmt.Errorf("failed to add assistant turn: %w", err)
	}
	e.turn.assistantTs = ts
	return nil
}

func (e *Executor) onChunk(ctx context.Context, chunk proto.StreamChunk) error {
	e.applyCompaction(ctx)
	if chunk.Code != proto.ChunkText || chunk.Text == "" {
		return nil
	}

	e.turn.text.WriteString(chunk.Text)
	e.turn.textSeen = true
	full := e.turn.text.String()
	if err := e.store.UpdateAPIHistoryItem(ctx, e.turn.assistantTs, func(turn *proto.ConversationTurn) {
		turn.Content = proto.NewTextContent(full)
	}); err != nil {
		e.logger.Warn("Failed to update assistant turn: %v", err)
	}

	e.showProse(ctx, e.dispatcher.ProcessToolUse(ctx, chunk.Text))
	if !e.dispatcher.HasActiveTools() {
		return nil
	}

	// Prose is held while a tool runs so it never interleaves with an unresolved side effect.
	e.endReply()
	if err := e.dispatcher.WaitForToolProcessing(ctx); err != nil {
		return err
	}
	e.showProse(ctx, e.dispatcher.TakeProse())
	return nil
}

func (e *Executor) onImmediateEnd(ctx context.Context, chunk proto.StreamChunk) error {
	e.applyCompaction(ctx)
	switch chunk.Code {
	case proto.ChunkSuccess:
		var usage *proto.Usage
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		e.ui.patch(ctx, e.turn.startedTs, func(msg *proto.UIMessage) {
			msg.APIMetrics = usage
			msg.IsDone = true
		})
		if usage == nil {
			return nil
		}
		if err := e.ui.UpdateSay(ctx, proto.SayAPIReqStarted, formatUsage(usage), e.turn.startedTs); err != nil {
			e.logger.Warn("Failed to show request usage: %v", err)
		}
		if e.tasks != nil {
			if err := e.tasks.AddTaskUsage(context.WithoutCancel(ctx), e.taskID, usage); err != nil {
				e.logger.Warn("Failed to persist usage: %v", err)
			}
		}
		return nil

	case proto.ChunkError:
		e.ui.patch(ctx, e.turn.startedTs, func(msg *proto.UIMessage) {
			msg.IsDone = true
			msg.IsError = true
			msg.ErrorText = chunk.Message
		})
		return llmerrors.FromStatus(chunk.Status, chunk.Message)

	default:
		return nil
	}
}

// onFinalEnd flushes the parser and runs the tools that completed with the stream.
func (e *Executor) onFinalEnd(ctx context.Context, streamErr error) error {
	e.applyCompaction(ctx)
	if streamErr != nil {
		return nil
	}
	e.dispatcher.CloseStream(ctx)
	if err := e.dispatcher.WaitForToolProcessing(ctx); err != nil {
		return err
	}
	e.showProse(ctx, e.dispatcher.TakeProse())
	e.endReply()
	return nil
}

// showProse extends the current prose message, opening one on the first non-blank text.
func (e *Executor) showProse(ctx context.Context, text string) {
	if text == "" {
		return
	}
	e.turn.reply.WriteString(text)
	display := strings.TrimSpace(e.turn.reply.String())
	if display == "" {
		return
	}

	if e.turn.replyTs == 0 {
		e.turn.replyTs = e.store.NextTimestamp()
		if _, err := e.ui.Say(ctx, proto.SayText, display, nil, proto.SayOptions{Ts: e.turn.replyTs}); err != nil {
			e.logger.Warn("Failed to show text: %v", err)
		}
		return
	}
	if err := e.ui.UpdateSay(ctx, proto.SayText, display, e.turn.replyTs); err != nil {
		e.logger.Warn("Failed to update text: %v", err)
	}
}

// endReply closes the current prose message; later prose opens a new one.
func (e *Executor) endReply() {
	e.turn.replyTs = 0
	e.turn.reply.Reset()
}

func formatUsage(u *proto.Usage) string {
	text := fmt.Sprintf("tokens in=%d out=%d", u.InputTokens, u.OutputTokens)
	if u.CacheReadTokens > 0 || u.CacheWriteTokens > 0 {
		text += fmt.Sprintf(" cache read=%d write=%d", u.CacheReadTokens, u.CacheWriteTokens)
	}
	return text + fmt.Sprintf(" cost=$%.4f", u.Cost)
}
