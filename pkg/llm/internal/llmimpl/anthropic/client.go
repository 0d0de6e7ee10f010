// Package anthropic provides the Anthropic Claude adapter for the llm.Client interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// ClaudeClient wraps the Anthropic API client to implement llm.Client.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClientWithModel creates a Claude client for model.
func NewClaudeClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// Stream implements llm.Client.
func (c *ClaudeClient) Stream(ctx context.Context, in llm.Request) (<-chan proto.StreamChunk, error) {
	messages, err := convertHistory(in.History)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.KindAPI, err, fmt.Sprintf("message conversion failed: %v", err))
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: int64(in.MaxTokens),
	}
	if in.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.SystemPrompt}}
	}

	return llm.NewChunkStream(ctx, func(ctx context.Context, emit llm.Emit) (*proto.Usage, any, error) {
		stream := c.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				return nil, nil, llmerrors.Wrap(llmerrors.KindAPI, err, "malformed stream event")
			}
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !emit(proto.TextChunk(delta.Text)) {
						return nil, nil, ctx.Err()
					}
				}
			case anthropic.MessageStartEvent, anthropic.ContentBlockStartEvent:
				if !emit(proto.AckChunk()) {
					return nil, nil, ctx.Err()
				}
			}
		}
		if err := stream.Err(); err != nil {
			return nil, nil, classifyError(err)
		}

		usage := &proto.Usage{
			InputTokens:      message.Usage.InputTokens,
			OutputTokens:     message.Usage.OutputTokens,
			CacheReadTokens:  message.Usage.CacheReadInputTokens,
			CacheWriteTokens: message.Usage.CacheCreationInputTokens,
		}
		return usage, message, nil
	}), nil
}

// convertHistory maps turns to Anthropic messages. Consecutive turns of one role are merged, and
// the sequence must start with a user turn.
func convertHistory(turns []proto.ConversationTurn) ([]anthropic.MessageParam, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	if turns[0].Role != proto.RoleUser {
		return nil, fmt.Errorf("first message must be user role, got: %s", turns[0].Role)
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		turn := &turns[i]
		blocks := convertContent(turn.Content)
		if len(blocks) == 0 {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if turn.Role == proto.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			continue
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return messages, nil
}

func convertContent(content proto.Content) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(content))
	for i := range content {
		block := &content[i]
		switch block.Type {
		case proto.BlockText:
			if block.Text == "" {
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		case proto.BlockImage:
			if block.Image == nil {
				continue
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      block.Image.Data,
							MediaType: anthropic.Base64ImageSourceMediaType(block.Image.MediaType),
						},
					},
				},
			})
		}
	}
	return blocks
}

// classifyError maps Anthropic SDK errors to classified errors carrying the HTTP status.
func classifyError(err error) *llmerrors.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llmerrors.Classify(err, apiErr.StatusCode)
	}
	return llmerrors.Classify(err, 0)
}
