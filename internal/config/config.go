// Package config loads and validates loadspec configuration. Configuration
// lives in ~/.loadspec/config.yaml, is created with defaults on first run,
// and can be overridden via LOADSPEC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Parsing ParsingConfig `mapstructure:"parsing" yaml:"parsing"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// BackendConfig configures the AI completion backends.
type BackendConfig struct {
	// DefaultProvider selects the backend ("ollama", "openai", "anthropic").
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`

	// Providers maps provider names to their specific configuration.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`

	// MaxRetries caps completion attempts per call (first try included).
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryBaseDelayMs is the exponential backoff base in milliseconds.
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`

	// RetryJitter randomizes backoff delays to avoid retry storms.
	RetryJitter bool `mapstructure:"retry_jitter" yaml:"retry_jitter"`

	// TimeoutSec is the per-request timeout in seconds.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// PoolSize caps simultaneously in-flight requests to the self-hosted
	// backend. Excess callers queue FIFO.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
}

// ProviderConfig configures a single provider.
type ProviderConfig struct {
	// Endpoint is the API base URL (primarily for Ollama).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey authenticates hosted providers.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the model to request.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
}

// ParsingConfig configures the parsing pipeline.
type ParsingConfig struct {
	// MaxInputLength caps input size; longer input is truncated.
	MaxInputLength int `mapstructure:"max_input_length" yaml:"max_input_length"`

	// LowConfidenceThreshold is the score below which results carry a
	// low-confidence warning.
	LowConfidenceThreshold float64 `mapstructure:"low_confidence_threshold" yaml:"low_confidence_threshold"`

	// AmbiguityWarnThreshold is how many open ambiguities trigger a warning.
	AmbiguityWarnThreshold int `mapstructure:"ambiguity_warn_threshold" yaml:"ambiguity_warn_threshold"`

	// MaxCorrectionRounds bounds remote self-correction round-trips.
	MaxCorrectionRounds int `mapstructure:"max_correction_rounds" yaml:"max_correction_rounds"`

	// MaxExamples bounds how many worked examples a prompt carries.
	MaxExamples int `mapstructure:"max_examples" yaml:"max_examples"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level" yaml:"level"`
	// File is an optional log file path; empty logs to stderr.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			DefaultProvider: "ollama",
			Providers: map[string]ProviderConfig{
				"ollama": {
					Endpoint: "http://127.0.0.1:11434",
					Model:    "llama3",
				},
				"openai": {
					Model: "gpt-4o-mini",
				},
				"anthropic": {
					Model: "claude-3-5-haiku-20241022",
				},
			},
			MaxRetries:       3,
			RetryBaseDelayMs: 500,
			RetryJitter:      true,
			TimeoutSec:       120,
			PoolSize:         5,
		},
		Parsing: ParsingConfig{
			MaxInputLength:         10000,
			LowConfidenceThreshold: 0.5,
			AmbiguityWarnThreshold: 1,
			MaxCorrectionRounds:    2,
			MaxExamples:            2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from ~/.loadspec/config.yaml, creating it with
// defaults when missing.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".loadspec", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file does not exist it is created with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example override: LOADSPEC_BACKEND_PROVIDERS_OPENAI_API_KEY
	v.SetEnvPrefix("LOADSPEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero values with the shipped defaults so a sparse
// config file stays valid.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Backend.DefaultProvider == "" {
		c.Backend.DefaultProvider = d.Backend.DefaultProvider
	}
	if c.Backend.Providers == nil {
		c.Backend.Providers = d.Backend.Providers
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = d.Backend.MaxRetries
	}
	if c.Backend.RetryBaseDelayMs == 0 {
		c.Backend.RetryBaseDelayMs = d.Backend.RetryBaseDelayMs
	}
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = d.Backend.TimeoutSec
	}
	if c.Backend.PoolSize == 0 {
		c.Backend.PoolSize = d.Backend.PoolSize
	}
	if c.Parsing.MaxInputLength == 0 {
		c.Parsing.MaxInputLength = d.Parsing.MaxInputLength
	}
	if c.Parsing.LowConfidenceThreshold == 0 {
		c.Parsing.LowConfidenceThreshold = d.Parsing.LowConfidenceThreshold
	}
	if c.Parsing.AmbiguityWarnThreshold == 0 {
		c.Parsing.AmbiguityWarnThreshold = d.Parsing.AmbiguityWarnThreshold
	}
	if c.Parsing.MaxCorrectionRounds == 0 {
		c.Parsing.MaxCorrectionRounds = d.Parsing.MaxCorrectionRounds
	}
	if c.Parsing.MaxExamples == 0 {
		c.Parsing.MaxExamples = d.Parsing.MaxExamples
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate checks the configuration once at startup and rejects violations
// with a descriptive error.
func (c *Config) Validate() error {
	if c.Backend.DefaultProvider == "" {
		return fmt.Errorf("backend.default_provider cannot be empty")
	}
	switch c.Backend.DefaultProvider {
	case "ollama", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown provider %q, must be one of: ollama, openai, anthropic", c.Backend.DefaultProvider)
	}
	if _, exists := c.Backend.Providers[c.Backend.DefaultProvider]; !exists {
		return fmt.Errorf("default provider %q not found in providers map", c.Backend.DefaultProvider)
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend.max_retries cannot be negative")
	}
	if c.Backend.RetryBaseDelayMs < 0 {
		return fmt.Errorf("backend.retry_base_delay_ms cannot be negative")
	}
	if c.Backend.TimeoutSec <= 0 {
		return fmt.Errorf("backend.timeout_sec must be positive")
	}
	if c.Backend.PoolSize < 1 {
		return fmt.Errorf("backend.pool_size must be at least 1")
	}
	if c.Parsing.MaxInputLength <= 0 {
		return fmt.Errorf("parsing.max_input_length must be positive")
	}
	if c.Parsing.LowConfidenceThreshold < 0 || c.Parsing.LowConfidenceThreshold > 1 {
		return fmt.Errorf("parsing.low_confidence_threshold must be within [0,1]")
	}
	if c.Parsing.AmbiguityWarnThreshold < 0 {
		return fmt.Errorf("parsing.ambiguity_warn_threshold cannot be negative")
	}
	if c.Parsing.MaxCorrectionRounds < 0 {
		return fmt.Errorf("parsing.max_correction_rounds cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// writeConfigFile writes a Config struct to a YAML file. Uses yaml.v3
// directly so the yaml struct tags drive serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
