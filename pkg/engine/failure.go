package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
	"github.com/jasonkneen/claude-coder/pkg/stream"
	"github.com/jasonkneen/claude-coder/pkg/tools"
)

// classifyFailure maps a request failure to the kind the error policy acts on.
func classifyFailure(err error) *llmerrors.Error {
	if errors.Is(err, stream.ErrInactivityTimeout) {
		return llmerrors.Wrap(llmerrors.KindNetwork, err, "no response from the model, the stream went idle")
	}
	classified := llmerrors.Classify(err, llmerrors.StatusOf(err))
	if classified.Kind == llmerrors.KindContextTooLong {
		// Compaction already ran in the client; what reaches the engine is a plain API failure.
		return &llmerrors.Error{
			Kind:       llmerrors.KindAPI,
			StatusCode: classified.StatusCode,
			Message:    classified.Message,
			Err:        classified,
		}
	}
	return classified
}

// handleAPIError applies the error policy to a failed request.
func (e *Executor) handleAPIError(ctx context.Context, err error) (bool, error) {
	failure := classifyFailure(err)
	if failure.Kind == llmerrors.KindCancelled {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		failure.Kind = llmerrors.KindNetwork
	}

	e.dispatcher.ResetToolState(ctx)
	e.patchFailedReply(ctx)

	e.mu.Lock()
	e.consecutiveErrors++
	count := e.consecutiveErrors
	e.mu.Unlock()

	message := failure.Message
	if message == "" {
		message = failure.Error()
	}
	e.logger.Warn("⚠️ Request failed (%s, %d in a row): %s", failure.Kind, count, message)
	e.finalizeUI(ctx, message, false)

	if failure.Kind.Blocking() {
		if err := e.transition(ctx, proto.StateIdle); err != nil {
			return false, err
		}
		kind := proto.SayUnauthorized
		if failure.Kind == llmerrors.KindPaymentRequired {
			kind = proto.SayPaymentRequired
		}
		if _, err := e.ui.Say(ctx, kind, message, nil, proto.SayOptions{}); err != nil {
			e.logger.Warn("Failed to show %s: %v", kind, err)
		}
		return false, nil
	}

	resp, err := e.ui.Ask(ctx, proto.AskAPIRequestFailed, proto.AskPayload{
		Question: message,
		Error:    failure.Kind.String(),
	}, 0)
	if err != nil {
		if ierr := e.interrupted(ctx); ierr != nil {
			return false, ierr
		}
		return false, fmt.Errorf("failed to ask about failed request: %w", err)
	}

	switch resp.Response {
	case proto.ResponseYes, proto.ResponseMessage:
		if resp.Response == proto.ResponseMessage && resp.HasContent() {
			e.showFeedback(ctx, &resp)
			e.mu.Lock()
			e.userContent = append(e.userContent.Clone(), contentFromResponse(&resp)...)
			e.mu.Unlock()
		}
		if err := e.transition(ctx, proto.StateWaitingForAPI); err != nil {
			return false, err
		}
		if _, err := e.ui.Say(ctx, proto.SayAPIReqRetried, "", nil, proto.SayOptions{}); err != nil {
			e.logger.Warn("Failed to show retry: %v", err)
		}
		e.logger.Info("🔄 Retrying request")
		return true, nil
	default:
		return false, e.transition(ctx, proto.StateCompleted)
	}
}

// patchFailedReply leaves an assistant turn describing the failure so user and assistant turns keep alternating.
func (e *Executor) patchFailedReply(ctx context.Context) {
	if e.turn == nil || e.turn.assistantTs == 0 {
		if _, err := e.store.AddToAPIConversationHistory(ctx, proto.ConversationTurn{
			Role:    proto.RoleAssistant,
			Content: proto.NewTextContent(ErrorReplyText),
		}); err != nil {
			e.logger.Warn("Failed to add error reply: %v", err)
		}
		return
	}
	if err := e.store.UpdateAPIHistoryItem(ctx, e.turn.assistantTs, func(turn *proto.ConversationTurn) {
		text := strings.TrimSpace(turn.Content.Text())
		if text == "" || text == InterruptedReplyText {
			turn.Content = proto.NewTextContent(ErrorReplyText)
		}
	}); err != nil {
		e.logger.Warn("Failed to patch failed reply: %v", err)
	}
}

// finalizeUI closes every request display and tool ask left open by an interrupted response.
// On abort every open tool ends in error; otherwise attempt_completion counts as approved.
func (e *Executor) finalizeUI(ctx context.Context, requestError string, aborted bool) {
	for _, msg := range e.store.GetUIMessages() {
		switch {
		case msg.Type == proto.MessageSay && msg.Say == proto.SayAPIReqStarted && !msg.IsDone:
			e.ui.patch(ctx, msg.Ts, func(m *proto.UIMessage) {
				m.IsDone = true
				m.IsError = true
				m.ErrorText = requestError
			})

		case msg.Type == proto.MessageAsk && msg.Tool != nil && !msg.Tool.ApprovalState.IsTerminal():
			inv := msg.Tool.Clone()
			inv.Partial = false
			payload := proto.AskPayload{Tool: inv, Question: msg.Text}
			if inv.Name == tools.ToolAttemptCompletion && !aborted {
				inv.ApprovalState = proto.ApprovalApproved
			} else {
				inv.ApprovalState = proto.ApprovalError
				if inv.Name != tools.ToolAskFollowup {
					payload.Error = tools.InterruptedText
				}
			}
			if err := e.ui.UpdateAsk(ctx, msg.Ask, payload, msg.Ts); err != nil {
				e.logger.Warn("Failed to finalize %s ask: %v", inv.Name, err)
			}
		}
	}
}

// confirmAfterErrors asks whether to go on once the consecutive error limit is reached.
func (e *Executor) confirmAfterErrors(ctx context.Context, content proto.Content) (proto.Content, bool, error) {
	count := e.ConsecutiveErrors()
	limit := e.cfg.MaxConsecutiveErrors
	if limit <= 0 || count < limit {
		return content, true, nil
	}

	question := fmt.Sprintf("Claude has encountered an error %d times in a row. Would you like to resume the task?", count)
	resp, err := e.ui.Ask(ctx, proto.AskResumeTask, proto.AskPayload{Question: question}, 0)
	if err != nil {
		if ierr := e.interrupted(ctx); ierr != nil {
			return nil, false, ierr
		}
		return nil, false, fmt.Errorf("failed to ask about repeated errors: %w", err)
	}

	switch resp.Response {
	case proto.ResponseYes:
	case proto.ResponseMessage:
		if resp.HasContent() {
			e.showFeedback(ctx, &resp)
			content = append(content.Clone(), contentFromResponse(&resp)...)
		}
	default:
		return nil, false, e.transition(ctx, proto.StateCompleted)
	}
	e.mu.Lock()
	e.consecutiveErrors = 0
	e.mu.Unlock()
	return content, true, nil
}

// askToContinue honours a queued pause: the user either lets the request go ahead, replaces its
// content with a message, or stops the loop.
func (e *Executor) askToContinue(ctx context.Context, content proto.Content) (proto.Content, bool, error) {
	e.mu.Lock()
	pause := e.pauseNext
	e.pauseNext = false
	e.mu.Unlock()
	if !pause {
		return content, true, nil
	}

	resp, err := e.ui.Ask(ctx, proto.AskResumeTask, proto.AskPayload{Question: PauseQuestion}, 0)
	if err != nil {
		if ierr := e.interrupted(ctx); ierr != nil {
			return nil, false, ierr
		}
		return nil, false, fmt.Errorf("failed to ask whether to continue: %w", err)
	}

	switch resp.Response {
	case proto.ResponseYes:
		return content, true, nil
	case proto.ResponseMessage:
		e.showFeedback(ctx, &resp)
		text := strings.TrimSpace(resp.Text)
		switch {
		case text != "":
		case len(resp.Images) > 0:
			text = PauseImagesText
		default:
			text = PauseContinueText
		}
		return proto.NewTextContent(text).WithImages(resp.Images), true, nil
	default:
		return nil, false, e.transition(ctx, proto.StateWaitingForUser)
	}
}

func (e *Executor) showFeedback(ctx context.Context, resp *proto.AskResponse) {
	if !resp.HasContent() {
		return
	}
	if _, err := e.ui.Say(ctx, proto.SayUserFeedback, resp.Text, resp.Images, proto.SayOptions{}); err != nil {
		e.logger.Warn("Failed to show user feedback: %v", err)
	}
}
