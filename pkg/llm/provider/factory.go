// Package provider builds model clients from configuration.
package provider

import (
	"context"
	"fmt"

	"github.com/jasonkneen/claude-coder/pkg/config"
	"github.com/jasonkneen/claude-coder/pkg/llm"
	"github.com/jasonkneen/claude-coder/pkg/llm/internal/llmimpl/anthropic"
	"github.com/jasonkneen/claude-coder/pkg/llm/internal/llmimpl/google"
	"github.com/jasonkneen/claude-coder/pkg/llm/internal/llmimpl/ollama"
	"github.com/jasonkneen/claude-coder/pkg/llm/internal/llmimpl/openai"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/metrics"
)

// KeySource resolves the credential for a provider. *config.SecretStore implements it.
type KeySource interface {
	APIKey(provider, ollamaHost string) (string, error)
}

// ClientFactory creates model clients wrapped in an llm.Manager.
type ClientFactory struct {
	keys     KeySource
	recorder metrics.Recorder
	logger   *logx.Logger
	config   config.Config
}

// NewClientFactory creates a factory. A nil recorder disables metrics.
func NewClientFactory(cfg config.Config, keys KeySource, recorder metrics.Recorder) *ClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &ClientFactory{
		config:   cfg,
		keys:     keys,
		recorder: recorder,
		logger:   logx.NewLogger("provider"),
	}
}

// CreateRawClient creates the provider adapter for the configured model.
func (f *ClientFactory) CreateRawClient(ctx context.Context) (llm.Client, error) {
	modelName := f.config.Model
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	apiKey, err := f.keys.APIKey(provider, f.config.OllamaHost)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	f.logger.Info("🔌 Using %s model %s", provider, modelName)
	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, modelName), nil
	case config.ProviderOpenAI:
		return openai.NewOfficialClientWithModel(apiKey, modelName), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(ctx, apiKey, modelName, "")
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(apiKey, config.OllamaModelName(modelName)), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// CreateManager creates the configured client behind a Manager labelled with taskID.
func (f *ClientFactory) CreateManager(ctx context.Context, taskID string) (*llm.Manager, error) {
	raw, err := f.CreateRawClient(ctx)
	if err != nil {
		return nil, err
	}
	return llm.NewManager(raw,
		llm.WithCompactionRetries(f.config.Engine.CompactionRetries),
		llm.WithMaxTokens(f.config.MaxOutputTokens),
		llm.WithRecorder(f.recorder),
		llm.WithTaskID(taskID),
	), nil
}
