package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// healthTTL is how long a cached health-check result stays fresh.
const healthTTL = 30 * time.Second

// OllamaProvider implements Provider for a self-hosted Ollama server. It
// owns a bounded connection pool with a FIFO wait queue, a cached health
// state refreshed every 30s or on demand, and model provisioning for when
// the configured model is absent from the server.
type OllamaProvider struct {
	config *Config
	client *http.Client
	pool   *slotPool
	log    zerolog.Logger

	healthMu      sync.Mutex
	healthy       bool
	healthChecked time.Time
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(cfg *Config, log zerolog.Logger) *OllamaProvider {
	if cfg == nil {
		cfg = DefaultConfig("ollama")
	}
	defaults := DefaultConfig("ollama")
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
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}

	return &OllamaProvider{
		config: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				// Headers arrive once the model starts responding, which on a
				// cold start includes model loading.
				ResponseHeaderTimeout: cfg.Timeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		pool: newSlotPool(cfg.PoolSize),
		log:  log.With().Str("component", "llm.ollama").Logger(),
	}
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Initialize verifies connectivity and provisions the configured model when
// the server does not have it yet.
func (p *OllamaProvider) Initialize(ctx context.Context) error {
	models, err := p.listModels(ctx)
	if err != nil {
		return fmt.Errorf("ollama not reachable at %s: %w", p.config.Endpoint, err)
	}
	p.setHealth(true)

	for _, m := range models {
		if m == p.config.Model || strings.HasPrefix(m, p.config.Model+":") {
			return nil
		}
	}

	p.log.Warn().Str("model", p.config.Model).Msg("configured model absent, provisioning")
	if err := p.ProvisionModel(ctx, p.config.Model); err != nil {
		return fmt.Errorf("provision model %q: %w", p.config.Model, err)
	}
	return nil
}

// IsReady consults the cached health state without probing.
func (p *OllamaProvider) IsReady() bool {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.healthy && time.Since(p.healthChecked) < healthTTL
}

// HealthCheck probes the server's tag listing and refreshes the cache.
func (p *OllamaProvider) HealthCheck(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.listModels(probeCtx)
	healthy := err == nil
	p.setHealth(healthy)
	if !healthy {
		p.log.Warn().Err(err).Msg("health check failed")
	}
	return healthy
}

func (p *OllamaProvider) setHealth(healthy bool) {
	p.healthMu.Lock()
	p.healthy = healthy
	p.healthChecked = time.Now()
	p.healthMu.Unlock()
}

// GenerateCompletion sends one completion request. Stale or unhealthy cached
// state triggers a synchronous health check first; failure short-circuits
// with ErrServiceUnavailable before consuming a pool slot.
func (p *OllamaProvider) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if !p.IsReady() && !p.HealthCheck(ctx) {
		return nil, fmt.Errorf("ollama at %s: %w", p.config.Endpoint, ErrServiceUnavailable)
	}

	if err := p.pool.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire pool slot: %w", err)
	}
	defer p.pool.Release()

	start := time.Now()

	ollamaReq := ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Format: req.Format,
		Stream: false,
	}
	if ollamaReq.Model == "" {
		ollamaReq.Model = p.config.Model
	}
	if ollamaReq.Prompt == "" && len(req.Messages) > 0 {
		ollamaReq.Prompt = flattenMessages(req.Messages)
	}
	ollamaReq.Options.Temperature = req.Temperature
	if ollamaReq.Options.Temperature == 0 {
		ollamaReq.Options.Temperature = p.config.Temperature
	}
	ollamaReq.Options.NumPredict = req.MaxTokens
	if ollamaReq.Options.NumPredict == 0 {
		ollamaReq.Options.NumPredict = p.config.MaxTokens
	}

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.config.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealth(false)
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(genResp.Response) == "" {
		return nil, ErrEmptyCompletion
	}

	return &CompletionResponse{
		Text:             genResp.Response,
		Model:            genResp.Model,
		PromptTokens:     genResp.PromptEvalCount,
		CompletionTokens: genResp.EvalCount,
		TotalTokens:      genResp.PromptEvalCount + genResp.EvalCount,
		Meta: ProviderMeta{
			Name:     "ollama",
			Duration: time.Since(start),
		},
	}, nil
}

// ProvisionModel pulls a model onto the server. The pull endpoint streams
// progress objects; we drain them and surface the terminal status.
func (p *OllamaProvider) ProvisionModel(ctx context.Context, model string) error {
	body, err := json.Marshal(map[string]any{"name": model, "stream": true})
	if err != nil {
		return fmt.Errorf("marshal pull request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute pull request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return fmt.Errorf("ollama pull error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	decoder := json.NewDecoder(resp.Body)
	var last struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	for {
		if err := decoder.Decode(&last); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode pull progress: %w", err)
		}
		if last.Error != "" {
			return fmt.Errorf("ollama pull failed: %s", last.Error)
		}
	}
	if last.Status != "success" && last.Status != "" {
		p.log.Warn().Str("status", last.Status).Str("model", model).Msg("pull finished with non-success status")
	}
	p.log.Info().Str("model", model).Msg("model provisioned")
	return nil
}

// listModels fetches the names of the models available on the server.
func (p *OllamaProvider) listModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to ollama at %s: %w", p.config.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// InFlight exposes the pool depth for tests and observability.
func (p *OllamaProvider) InFlight() int {
	return p.pool.InFlight()
}

func flattenMessages(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// Ollama API types.
type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"` // "json" for JSON mode
	Options ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}
