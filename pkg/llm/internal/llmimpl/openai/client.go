// Package openai provides the OpenAI chat completions adapter for the llm.Client interface.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// OfficialClient wraps the official OpenAI Go client to implement llm.Client.
//
//nolint:govet // Simple struct, field alignment not critical
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates an OpenAI client for model.
func NewOfficialClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

// Stream implements llm.Client.
func (o *OfficialClient) Stream(ctx context.Context, in llm.Request) (<-chan proto.StreamChunk, error) {
	if len(in.History) == 0 {
		return nil, llmerrors.New(llmerrors.KindAPI, "message list cannot be empty")
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            convertHistory(in.SystemPrompt, in.History),
		MaxCompletionTokens: openai.Int(int64(in.MaxTokens)),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	return llm.NewChunkStream(ctx, func(ctx context.Context, emit llm.Emit) (*proto.Usage, any, error) {
		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		var last openai.CompletionUsage
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			// Usage arrives once, on a final chunk without choices.
			if chunk.Usage.TotalTokens > 0 {
				last = chunk.Usage
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(proto.TextChunk(chunk.Choices[0].Delta.Content)) {
				return nil, nil, ctx.Err()
			}
		}
		if err := stream.Err(); err != nil {
			return nil, nil, classifyError(err)
		}

		cached := last.PromptTokensDetails.CachedTokens
		usage := &proto.Usage{
			InputTokens:     last.PromptTokens - cached,
			OutputTokens:    last.CompletionTokens,
			CacheReadTokens: cached,
		}
		return usage, acc.ChatCompletion, nil
	}), nil
}

// convertHistory maps the system prompt and turns to chat messages. User images are sent as data URLs.
func convertHistory(systemPrompt string, turns []proto.ConversationTurn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for i := range turns {
		turn := &turns[i]
		if turn.Role == proto.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content.Text()))
			continue
		}

		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(turn.Content))
		for j := range turn.Content {
			block := &turn.Content[j]
			switch {
			case block.Type == proto.BlockText && block.Text != "":
				parts = append(parts, openai.TextContentPart(block.Text))
			case block.Type == proto.BlockImage && block.Image != nil:
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: fmt.Sprintf("data:%s;base64,%s", block.Image.MediaType, block.Image.Data),
				}))
			}
		}
		messages = append(messages, openai.UserMessage(parts))
	}
	return messages
}

// classifyError maps OpenAI SDK errors to classified errors carrying the HTTP status.
func classifyError(err error) *llmerrors.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 && apiErr.Code == "insufficient_quota" {
			return llmerrors.NewWithStatus(llmerrors.KindPaymentRequired, 402, apiErr.Message)
		}
		return llmerrors.Classify(err, apiErr.StatusCode)
	}
	return llmerrors.Classify(err, 0)
}
