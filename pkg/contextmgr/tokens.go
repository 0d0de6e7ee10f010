package contextmgr

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// imageTokens is the flat estimate charged for one image block.
const imageTokens = 1000

// TokenCounter provides token counting for conversation history.
// All models are approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a new token counter for the specified model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountTurn returns the tokens of one turn, including a small per-turn overhead.
func (tc *TokenCounter) CountTurn(turn *proto.ConversationTurn) int {
	total := 4
	for _, block := range turn.Content {
		switch block.Type {
		case proto.BlockImage:
			total += imageTokens
		default:
			total += tc.CountTokens(block.Text)
		}
	}
	return total
}

// CountHistory returns the tokens of the system prompt and every turn.
func (tc *TokenCounter) CountHistory(systemPrompt string, turns []proto.ConversationTurn) int {
	total := tc.CountTokens(systemPrompt)
	for i := range turns {
		total += tc.CountTurn(&turns[i])
	}
	return total
}
