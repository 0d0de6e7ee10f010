// Package ollama provides the Ollama adapter for the llm.Client interface.
package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Client wraps the Ollama API client to implement llm.Client.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewOllamaClientWithModel creates an Ollama client for model served at hostURL.
func NewOllamaClientWithModel(hostURL, model string) llm.Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || parsedURL.Host == "" {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	return &Client{
		client:  api.NewClient(parsedURL, http.DefaultClient),
		model:   model,
		hostURL: parsedURL.String(),
	}
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// Stream implements llm.Client.
func (o *Client) Stream(ctx context.Context, in llm.Request) (<-chan proto.StreamChunk, error) {
	messages, err := convertHistory(in.SystemPrompt, in.History)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.KindAPI, err, fmt.Sprintf("message conversion error: %v", err))
	}

	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Options: map[string]any{
			"num_predict": in.MaxTokens,
		},
	}

	return llm.NewChunkStream(ctx, func(ctx context.Context, emit llm.Emit) (*proto.Usage, any, error) {
		var final api.ChatResponse
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Done {
				final = resp
			}
			if resp.Message.Content == "" {
				return nil
			}
			if !emit(proto.TextChunk(resp.Message.Content)) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			return nil, nil, classifyError(err, o.hostURL)
		}

		usage := &proto.Usage{
			InputTokens:  int64(final.PromptEvalCount),
			OutputTokens: int64(final.EvalCount),
		}
		return usage, final, nil
	}), nil
}

// convertHistory maps the system prompt and turns to Ollama chat messages.
func convertHistory(systemPrompt string, turns []proto.ConversationTurn) ([]api.Message, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(turns)+1)
	if systemPrompt != "" {
		result = append(result, api.Message{Role: "system", Content: systemPrompt})
	}
	for i := range turns {
		turn := &turns[i]
		msg := api.Message{
			Role:    string(turn.Role),
			Content: turn.Content.Text(),
		}
		for j := range turn.Content {
			block := &turn.Content[j]
			if block.Type != proto.BlockImage || block.Image == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(block.Image.Data)
			if err != nil {
				return nil, fmt.Errorf("turn %d: invalid image data: %w", i, err)
			}
			msg.Images = append(msg.Images, api.ImageData(data))
		}
		result = append(result, msg)
	}
	return result, nil
}

// classifyError maps Ollama client errors to classified errors.
func classifyError(err error, host string) *llmerrors.Error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		message := statusErr.ErrorMessage
		if message == "" {
			message = statusErr.Status
		}
		if statusErr.StatusCode == http.StatusNotFound && strings.Contains(message, "not found") {
			return llmerrors.NewWithStatus(llmerrors.KindAPI, statusErr.StatusCode, fmt.Sprintf("Ollama model not found: %s", message))
		}
		return llmerrors.FromStatus(statusErr.StatusCode, message)
	}

	if strings.Contains(err.Error(), "connection refused") {
		return llmerrors.Wrap(llmerrors.KindNetwork, err, fmt.Sprintf("Ollama server not reachable at %s", host))
	}
	return llmerrors.Classify(err, 0)
}
