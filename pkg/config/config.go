// Package config provides configuration loading, validation, the model registry and encrypted secrets.
//
// Configuration is read once at startup with LoadConfig and passed by value to the components that
// need it. There is no global config instance: the CLI owns the Config and hands sections to the
// engine, the model client and the history store at construction.
//
// USAGE PATTERNS:
//
//	cfg, err := config.LoadConfig(".coder/config.yaml")
//	info, _ := config.GetModelInfo(cfg.Model)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Project directory and file names.
const (
	ProjectConfigDir      = ".coder"
	ProjectConfigFilename = "config.json"
)

// Defaults applied by LoadConfig.
const (
	DefaultModel                = "claude-sonnet-4-20250514"
	DefaultMaxOutputTokens      = 8192
	DefaultOllamaHost           = "http://localhost:11434"
	DefaultMaxConsecutiveErrors = 3
	DefaultCompactionRetries    = 5
	DefaultInactivityTimeout    = 10 * time.Second
	DefaultPreviewInterval      = 33 * time.Millisecond
	DefaultQueueSize            = 64
	DefaultMetricsListenAddr    = ":9102"
	DefaultWorkspace            = "."
)

// Duration is a time.Duration read from "10s"-style strings or integer nanoseconds.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration at line %d: %w", node.Line, err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// EngineConfig tunes the task engine.
type EngineConfig struct {
	MaxConsecutiveErrors int      `json:"max_consecutive_errors" yaml:"max_consecutive_errors"` // Errors before the "3 times in a row" prompt
	CompactionRetries    int      `json:"compaction_retries" yaml:"compaction_retries"`         // Silent retries for context overflow
	InactivityTimeout    Duration `json:"inactivity_timeout" yaml:"inactivity_timeout"`         // Stream watchdog window
	PreviewInterval      Duration `json:"preview_interval" yaml:"preview_interval"`             // Minimum gap between partial tool previews
	QueueSize            int      `json:"queue_size" yaml:"queue_size"`                         // Chunk queue between stream and engine
	PauseNextRequest     bool     `json:"pause_next_request" yaml:"pause_next_request"`         // Ask before the first request
}

// HistoryConfig selects durable history storage.
type HistoryConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"` // Empty keeps history in memory only
}

// MetricsConfig controls the Prometheus recorder, endpoint and query service.
type MetricsConfig struct {
	ListenAddr    string `json:"listen_addr" yaml:"listen_addr"`
	PrometheusURL string `json:"prometheus_url" yaml:"prometheus_url"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// Config represents the main configuration of the coder CLI.
type Config struct {
	Model           string        `json:"model" yaml:"model"`
	OllamaHost      string        `json:"ollama_host" yaml:"ollama_host"`
	SystemPrompt    string        `json:"system_prompt" yaml:"system_prompt"`
	Workspace       string        `json:"workspace" yaml:"workspace"`
	GitCommits      bool          `json:"git_commits" yaml:"git_commits"` // Commit each file write when the workspace is a git repository
	History         HistoryConfig `json:"history" yaml:"history"`
	Metrics         MetricsConfig `json:"metrics" yaml:"metrics"`
	Engine          EngineConfig  `json:"engine" yaml:"engine"`
	MaxOutputTokens int           `json:"max_output_tokens" yaml:"max_output_tokens"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// LoadConfig loads and validates configuration from a JSON or YAML file with environment variable substitution.
func LoadConfig(configPath string) (Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, filepath.Ext(configPath))
}

// ParseConfig parses config bytes. ext selects YAML for ".yaml" and ".yml", JSON otherwise.
func ParseConfig(data []byte, ext string) (Config, error) {
	// Replace environment variable placeholders.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1] // Remove ${ and }
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Return original if env var not found
	})

	var config Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(dataStr), &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(dataStr), &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	applyDefaults(&config)
	if err := validateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// SaveConfig writes config as indented JSON to <projectDir>/.coder/config.json.
func SaveConfig(config *Config, projectDir string) error {
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyDefaults(config *Config) {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxOutputTokens == 0 {
		info, _ := GetModelInfo(config.Model)
		config.MaxOutputTokens = min(info.MaxOutputTokens, DefaultMaxOutputTokens)
	}
	if config.OllamaHost == "" {
		config.OllamaHost = DefaultOllamaHost
	}
	if config.Workspace == "" {
		config.Workspace = DefaultWorkspace
	}

	e := &config.Engine
	if e.MaxConsecutiveErrors == 0 {
		e.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if e.CompactionRetries == 0 {
		e.CompactionRetries = DefaultCompactionRetries
	}
	if e.InactivityTimeout == 0 {
		e.InactivityTimeout = Duration(DefaultInactivityTimeout)
	}
	if e.PreviewInterval == 0 {
		e.PreviewInterval = Duration(DefaultPreviewInterval)
	}
	if e.QueueSize == 0 {
		e.QueueSize = DefaultQueueSize
	}

	if config.Metrics.ListenAddr == "" {
		config.Metrics.ListenAddr = DefaultMetricsListenAddr
	}
}

func validateConfig(config *Config) error {
	if _, err := GetModelProvider(config.Model); err != nil {
		return err
	}
	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must be positive, got %d", config.MaxOutputTokens)
	}
	e := &config.Engine
	if e.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("engine.max_consecutive_errors must be at least 1, got %d", e.MaxConsecutiveErrors)
	}
	if e.CompactionRetries < 0 {
		return fmt.Errorf("engine.compaction_retries cannot be negative, got %d", e.CompactionRetries)
	}
	if e.InactivityTimeout.Std() < time.Second {
		return fmt.Errorf("engine.inactivity_timeout must be at least 1s, got %s", e.InactivityTimeout.Std())
	}
	if e.PreviewInterval < 0 {
		return fmt.Errorf("engine.preview_interval cannot be negative")
	}
	if e.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be at least 1, got %d", e.QueueSize)
	}
	if config.Metrics.PrometheusURL != "" && !strings.HasPrefix(config.Metrics.PrometheusURL, "http") {
		return fmt.Errorf("metrics.prometheus_url must be an http(s) URL, got %q", config.Metrics.PrometheusURL)
	}
	return nil
}
