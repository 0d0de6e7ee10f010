package engine

import (
	"context"
	"errors"

	"github.com/jasonkneen/claude-coder/pkg/history"
	"github.com/jasonkneen/claude-coder/pkg/host"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// uiLog forwards asks and says to the host and mirrors them into the store's UI message log.
type uiLog struct {
	host   host.Host
	store  *history.Store
	logger *logx.Logger
}

func newUILog(h host.Host, store *history.Store, logger *logx.Logger) *uiLog {
	return &uiLog{host: h, store: store, logger: logger}
}

// Ask implements host.Approver.
func (u *uiLog) Ask(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) (proto.AskResponse, error) {
	if ts == 0 {
		ts = u.store.NextTimestamp()
	}
	u.upsertAsk(ctx, kind, payload, ts)
	return u.host.Ask(ctx, kind, payload, ts)
}

// UpdateAsk implements host.Approver.
func (u *uiLog) UpdateAsk(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) error {
	u.upsertAsk(ctx, kind, payload, ts)
	return u.host.UpdateAsk(ctx, kind, payload, ts)
}

// AbortPendingAsks implements host.Approver.
func (u *uiLog) AbortPendingAsks() {
	u.host.AbortPendingAsks()
}

// Say implements host.Display.
func (u *uiLog) Say(ctx context.Context, kind proto.SayKind, text string, images []string, opts proto.SayOptions) (int64, error) {
	if opts.Ts == 0 {
		opts.Ts = u.store.NextTimestamp()
	}
	msg := proto.UIMessage{
		Type:     proto.MessageSay,
		Say:      kind,
		Text:     text,
		Images:   images,
		Ts:       opts.Ts,
		SubAgent: opts.SubAgent,
	}
	if _, err := u.store.AddUIMessage(ctx, msg); err != nil {
		u.logger.Warn("Failed to record %s message: %v", kind, err)
	}
	return u.host.Say(ctx, kind, text, images, opts)
}

// UpdateSay implements host.Display.
func (u *uiLog) UpdateSay(ctx context.Context, kind proto.SayKind, text string, ts int64) error {
	u.patch(ctx, ts, func(msg *proto.UIMessage) {
		msg.Text = text
	})
	return u.host.UpdateSay(ctx, kind, text, ts)
}

// patch updates a recorded message without notifying the host.
func (u *uiLog) patch(ctx context.Context, ts int64, fn func(msg *proto.UIMessage)) {
	if _, err := u.store.UpdateUIMessage(ctx, ts, fn); err != nil {
		u.logger.Warn("Failed to update ui message %d: %v", ts, err)
	}
}

func (u *uiLog) upsertAsk(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) {
	apply := func(msg *proto.UIMessage) {
		msg.Type = proto.MessageAsk
		msg.Ask = kind
		msg.Tool = payload.Tool.Clone()
		msg.Text = payload.Question
		msg.ErrorText = payload.Error
		msg.IsError = payload.Error != ""
	}
	_, err := u.store.UpdateUIMessage(ctx, ts, apply)
	if err == nil {
		return
	}
	if !errors.Is(err, history.ErrMessageNotFound) {
		u.logger.Warn("Failed to update ask %d: %v", ts, err)
		return
	}
	msg := proto.UIMessage{Ts: ts}
	apply(&msg)
	if _, err := u.store.AddUIMessage(ctx, msg); err != nil {
		u.logger.Warn("Failed to record %s ask: %v", kind, err)
	}
}
