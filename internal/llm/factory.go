package llm

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/loadspec/internal/config"
)

// NewProvider builds the configured completion provider, wrapped with retry
// and metrics layers. The returned provider still needs Initialize called
// before use.
func NewProvider(cfg *config.BackendConfig, logger zerolog.Logger) (Provider, error) {
	name := cfg.DefaultProvider
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}

	llmCfg := DefaultConfig(name)
	if pc.Endpoint != "" {
		llmCfg.Endpoint = pc.Endpoint
	}
	if pc.Model != "" {
		llmCfg.Model = pc.Model
	}
	llmCfg.APIKey = resolveAPIKey(name, pc.APIKey)
	if cfg.TimeoutSec > 0 {
		llmCfg.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	if cfg.PoolSize > 0 {
		llmCfg.PoolSize = cfg.PoolSize
	}

	var base Provider
	switch name {
	case "ollama":
		base = NewOllamaProvider(llmCfg, logger)
	case "openai":
		base = NewOpenAIProvider(llmCfg)
	case "anthropic":
		base = NewAnthropicProvider(llmCfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	policy := RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      cfg.RetryJitter,
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}

	return NewMetricsProvider(NewRetryingProvider(base, policy, logger), logger), nil
}

// resolveAPIKey prefers the configured key and falls back to the provider's
// conventional environment variable.
func resolveAPIKey(provider, configured string) string {
	if configured != "" {
		return configured
	}
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}
