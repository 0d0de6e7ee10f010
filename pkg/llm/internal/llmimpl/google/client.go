// Package google provides the Google Gemini adapter for the llm.Client interface.
package google

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// GeminiClient wraps the Google GenAI client to implement llm.Client.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClientWithModel creates a Gemini client for model. baseURL overrides the API endpoint when set.
func NewGeminiClientWithModel(ctx context.Context, apiKey, model, baseURL string) (llm.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// Stream implements llm.Client.
func (g *GeminiClient) Stream(ctx context.Context, in llm.Request) (<-chan proto.StreamChunk, error) {
	contents, err := convertHistory(in.History)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.KindAPI, err, fmt.Sprintf("message conversion error: %v", err))
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if in.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: in.SystemPrompt}},
		}
	}

	return llm.NewChunkStream(ctx, func(ctx context.Context, emit llm.Emit) (*proto.Usage, any, error) {
		var last *genai.GenerateContentResponse
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				return nil, nil, classifyError(err)
			}
			last = resp
			if text := resp.Text(); text != "" {
				if !emit(proto.TextChunk(text)) {
					return nil, nil, ctx.Err()
				}
			}
		}

		usage := &proto.Usage{}
		if last != nil && last.UsageMetadata != nil {
			meta := last.UsageMetadata
			usage.InputTokens = int64(meta.PromptTokenCount - meta.CachedContentTokenCount)
			usage.CacheReadTokens = int64(meta.CachedContentTokenCount)
			usage.OutputTokens = int64(meta.CandidatesTokenCount)
		}
		return usage, last, nil
	}), nil
}

// convertHistory maps turns to Gemini contents. Gemini calls the assistant "model".
func convertHistory(turns []proto.ConversationTurn) ([]*genai.Content, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	contents := make([]*genai.Content, 0, len(turns))
	for i := range turns {
		turn := &turns[i]
		role := "user"
		if turn.Role == proto.RoleAssistant {
			role = "model"
		}

		var parts []*genai.Part
		for j := range turn.Content {
			block := &turn.Content[j]
			switch {
			case block.Type == proto.BlockText && block.Text != "":
				parts = append(parts, &genai.Part{Text: block.Text})
			case block.Type == proto.BlockImage && block.Image != nil:
				data, err := base64.StdEncoding.DecodeString(block.Image.Data)
				if err != nil {
					return nil, fmt.Errorf("turn %d: invalid image data: %w", i, err)
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: block.Image.MediaType, Data: data}})
			}
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents, nil
}

// classifyError maps GenAI errors to classified errors carrying the HTTP status.
func classifyError(err error) *llmerrors.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 && apiErr.Status == "RESOURCE_EXHAUSTED" && llmerrors.IsPromptTooLong(apiErr.Message) {
			return llmerrors.NewWithStatus(llmerrors.KindContextTooLong, 413, apiErr.Message)
		}
		return llmerrors.Classify(err, apiErr.Code)
	}
	return llmerrors.Classify(err, 0)
}
