// Package host defines the boundary between the task engine and the user-facing application:
// an approval channel for questions and a display channel for notifications.
//
// The engine never owns a Host. The application constructs it, hands it to the engine as an
// observer, and keeps it alive for the engine's lifetime.
package host

import (
	"context"
	"errors"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// ErrAskAborted is returned by Ask when AbortPendingAsks force-resolved the question.
var ErrAskAborted = errors.New("ask aborted")

// Approver poses questions to the user. Asks are correlated by the ts id chosen by the engine.
type Approver interface {
	// Ask blocks until the user answers, ctx ends, or AbortPendingAsks is called.
	Ask(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) (proto.AskResponse, error)
	// UpdateAsk changes the displayed state of a question without waiting for an answer.
	UpdateAsk(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) error
	// AbortPendingAsks resolves every outstanding Ask with ErrAskAborted.
	AbortPendingAsks()
}

// Display receives append-only notifications.
type Display interface {
	// Say shows a message and returns its id.
	Say(ctx context.Context, kind proto.SayKind, text string, images []string, opts proto.SayOptions) (int64, error)
	// UpdateSay replaces the text of a previously shown message.
	UpdateSay(ctx context.Context, kind proto.SayKind, text string, ts int64) error
}

// Host is the full collaborator handed to the engine.
type Host interface {
	Approver
	Display
}
