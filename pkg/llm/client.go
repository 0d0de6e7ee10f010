// Package llm provides the model stream contract and the request manager that sits in front of the
// provider adapters.
package llm

import (
	"context"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 8192

// Request is one model request: the system prompt and the conversation so far.
type Request struct {
	SystemPrompt string
	History      []proto.ConversationTurn
	MaxTokens    int
}

// Client streams one model response per request.
//
// The returned channel carries zero or more ack/text chunks followed by exactly one terminal chunk,
// after which it is closed. Failures that happen before any chunk is produced may be returned as an
// error instead; adapters classify them with llmerrors.
type Client interface {
	// Stream opens a response stream. Cancelling ctx aborts the underlying request.
	Stream(ctx context.Context, req Request) (<-chan proto.StreamChunk, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewRequest creates a request with default values.
func NewRequest(systemPrompt string, history []proto.ConversationTurn) Request {
	return Request{
		SystemPrompt: systemPrompt,
		History:      history,
		MaxTokens:    DefaultMaxTokens,
	}
}
