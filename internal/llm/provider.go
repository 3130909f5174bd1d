// Package llm provides completion-backend implementations for loadspec.
// Supports Ollama (self-hosted) plus OpenAI and Anthropic hosted APIs behind
// one Provider contract so the pipeline stays polymorphic over backends.
package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// MaxErrorBodySize limits how much error response body we read (1MB).
// Prevents memory exhaustion from malformed error responses.
const MaxErrorBodySize = 1 * 1024 * 1024

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Sentinel errors callers classify on.
var (
	// ErrServiceUnavailable means the backend failed its health check; the
	// request was short-circuited before hitting the wire.
	ErrServiceUnavailable = errors.New("backend service unavailable")

	// ErrEmptyCompletion means the backend answered with no usable text.
	ErrEmptyCompletion = errors.New("backend returned empty completion")
)

// Provider is the uniform contract over interchangeable AI completion
// services. Callers are polymorphic over this capability set.
type Provider interface {
	// Initialize prepares the provider for use (connectivity check, model
	// provisioning where supported). Must be called before completions.
	Initialize(ctx context.Context) error

	// GenerateCompletion sends one completion request and returns the
	// response.
	GenerateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// HealthCheck actively probes the backend.
	HealthCheck(ctx context.Context) bool

	// IsReady reports whether the provider believes it can serve requests
	// without probing (cached health, configured credentials).
	IsReady() bool

	// Name returns the provider identifier.
	Name() string
}

// Message is one structured conversation message for chat-style backends.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CompletionRequest is the backend-neutral wire request.
type CompletionRequest struct {
	// Prompt is the flattened instruction text. Adapters that support
	// structured messages use Messages instead when it is populated.
	Prompt   string    `json:"prompt,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	// System sets the backend's behavior.
	System string `json:"system,omitempty"`

	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// Format is the desired response shape: "json" or "" for plain text.
	Format string `json:"format,omitempty"`
}

// ProviderMeta carries provider-level response metadata.
type ProviderMeta struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
}

// CompletionResponse is the backend-neutral wire response.
type CompletionResponse struct {
	Text             string       `json:"text"`
	Model            string       `json:"model"`
	PromptTokens     int          `json:"prompt_tokens,omitempty"`
	CompletionTokens int          `json:"completion_tokens,omitempty"`
	TotalTokens      int          `json:"total_tokens,omitempty"`
	Meta             ProviderMeta `json:"meta"`
}

// Config contains configuration for one provider instance.
type Config struct {
	// Name identifies the provider (ollama, openai, anthropic).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication (hosted providers).
	APIKey string

	// Model is the default model to use.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for API calls.
	Timeout time.Duration

	// PoolSize caps simultaneously in-flight requests (self-hosted only).
	PoolSize int
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *Config {
	switch name {
	case "ollama":
		return &Config{
			Name:        "ollama",
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3",
			MaxTokens:   2048,
			Temperature: 0.1,
			Timeout:     2 * time.Minute,
			PoolSize:    5,
		}
	case "openai":
		return &Config{
			Name:        "openai",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   2048,
			Temperature: 0.1,
			Timeout:     time.Minute,
		}
	case "anthropic":
		return &Config{
			Name:        "anthropic",
			Endpoint:    "https://api.anthropic.com",
			Model:       "claude-3-5-haiku-20241022",
			MaxTokens:   2048,
			Temperature: 0.1,
			Timeout:     time.Minute,
		}
	default:
		return &Config{
			Name:        name,
			MaxTokens:   2048,
			Temperature: 0.1,
			Timeout:     time.Minute,
		}
	}
}

// baseProvider provides common plumbing for HTTP-based providers.
type baseProvider struct {
	config *Config
	client *http.Client
}

func newBaseProvider(cfg *Config, providerName string) baseProvider {
	if cfg == nil {
		cfg = DefaultConfig(providerName)
	}

	defaults := DefaultConfig(providerName)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	cfg.Name = providerName

	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// IsReady checks whether credentials are configured.
func (b *baseProvider) IsReady() bool {
	return b.config.APIKey != ""
}
