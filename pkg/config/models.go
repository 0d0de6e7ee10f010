package config

import (
	"fmt"
	"strings"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	CacheReadCPM     float64 // Cost per million cache-read tokens (USD)
	CacheWriteCPM    float64 // Cost per million cache-write tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-3-7-sonnet-20250219": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		CacheReadCPM:     0.30,
		CacheWriteCPM:    3.75,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		CacheReadCPM:     0.30,
		CacheWriteCPM:    3.75,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		CacheReadCPM:     0.30,
		CacheWriteCPM:    3.75,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		CacheReadCPM:     1.50,
		CacheWriteCPM:    18.75,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},

	// OpenAI models
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		CacheReadCPM:     1.25,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o3-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},

	// Google Gemini models
	"gemini-2.0-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.10,
		OutputCPM:        0.40,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  8192,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	// Ollama models - common open-source model prefixes
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	provider, _ := GetModelProvider(modelName)
	// Use conservative defaults for unknown models
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// OllamaModelName strips the explicit "ollama:" prefix.
func OllamaModelName(modelName string) string {
	return strings.TrimPrefix(modelName, "ollama:")
}

// CalculateCost calculates the cost in USD for a given model and token usage.
// Returns 0 cost for unknown models (allows using new models without pricing data).
func CalculateCost(modelName string, usage *proto.Usage) float64 {
	info, exists := KnownModels[modelName]
	if !exists || usage == nil {
		return 0.0
	}
	const perMillion = 1_000_000.0
	return float64(usage.InputTokens)/perMillion*info.InputCPM +
		float64(usage.OutputTokens)/perMillion*info.OutputCPM +
		float64(usage.CacheReadTokens)/perMillion*info.CacheReadCPM +
		float64(usage.CacheWriteTokens)/perMillion*info.CacheWriteCPM
}
