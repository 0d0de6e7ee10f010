package engine

import (
	"context"
	"fmt"

	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// AbortTask stops the task. The in-flight request is cancelled, pending asks are released and the
// active tool is unwound before AbortTask returns. The task ends ABORTED and the user is then asked
// in the background whether to resume; Wait blocks until that prompt, and any loop it resumes, is done.
//
// Calling AbortTask again, or while an abort is unwinding, is a no-op.
func (e *Executor) AbortTask(ctx context.Context) error {
	e.mu.Lock()
	if e.aborting || e.state == proto.StateAborted {
		e.mu.Unlock()
		return nil
	}
	from := e.state
	if !e.table.IsValidTransition(from, proto.StateAborted) {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot abort a task in %s", ErrWrongState, from)
	}
	e.aborting = true
	e.state = proto.StateAborted
	cancel, done := e.loopCancel, e.loopDone
	session := e.sessionCtx
	e.mu.Unlock()

	e.logger.Info("🛑 Aborting task")
	e.transitioned(ctx, from, proto.StateAborted)

	if cancel != nil {
		cancel()
	}
	e.ui.AbortPendingAsks()
	e.dispatcher.AbortTask(ctx)
	if done != nil {
		<-done
	}

	e.finalizeUI(ctx, RequestCancelledText, true)

	e.mu.Lock()
	e.userContent = nil
	e.lastCommit = nil
	e.pauseNext = false
	e.aborting = false
	e.mu.Unlock()
	e.turn = nil

	if session == nil {
		session = context.WithoutCancel(ctx)
	}
	e.bg.Add(1)
	go e.offerResume(session)
	return nil
}

// offerResume asks whether to resume the aborted task and acts on the answer.
func (e *Executor) offerResume(ctx context.Context) {
	defer e.bg.Done()

	resp, err := e.ui.Ask(ctx, proto.AskResumeTask, proto.AskPayload{Question: ResumeAfterAbortQuery}, 0)
	if err != nil {
		e.logger.Info("Resume prompt closed without an answer: %v", err)
		return
	}
	if state := e.State(); state != proto.StateAborted {
		logx.Debug(ctx, "engine", "resume answer ignored, task is %s", state)
		return
	}

	switch resp.Response {
	case proto.ResponseYes:
		err = e.ResumeTask(ctx, nil)
	case proto.ResponseMessage:
		e.showFeedback(ctx, &resp)
		err = e.ResumeTask(ctx, contentFromResponse(&resp))
	default:
		err = e.transition(ctx, proto.StateCompleted)
	}
	if err != nil {
		e.logger.Warn("Failed to act on resume answer: %v", err)
	}
}
