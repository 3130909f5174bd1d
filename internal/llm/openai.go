package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAIProvider implements Provider for the OpenAI chat completions API.
type OpenAIProvider struct {
	baseProvider
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg *Config) *OpenAIProvider {
	return &OpenAIProvider{
		baseProvider: newBaseProvider(cfg, "openai"),
	}
}

// Initialize verifies credentials are present. Hosted APIs have nothing to
// provision.
func (p *OpenAIProvider) Initialize(ctx context.Context) error {
	if p.config.APIKey == "" {
		return fmt.Errorf("openai API key not configured")
	}
	return nil
}

// HealthCheck probes the models listing endpoint.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	if p.config.APIKey == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.config.Endpoint+"/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// GenerateCompletion sends a chat completion request.
func (p *OpenAIProvider) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}

	start := time.Now()

	oaReq := openAIChatRequest{
		Model: req.Model,
	}
	if oaReq.Model == "" {
		oaReq.Model = p.config.Model
	}
	if req.System != "" {
		oaReq.Messages = append(oaReq.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			oaReq.Messages = append(oaReq.Messages, openAIMessage{Role: m.Role, Content: m.Content})
		}
	} else {
		oaReq.Messages = append(oaReq.Messages, openAIMessage{Role: "user", Content: req.Prompt})
	}
	oaReq.MaxTokens = req.MaxTokens
	if oaReq.MaxTokens == 0 {
		oaReq.MaxTokens = p.config.MaxTokens
	}
	oaReq.Temperature = req.Temperature
	if oaReq.Temperature == 0 {
		oaReq.Temperature = p.config.Temperature
	}
	if req.Format == "json" {
		oaReq.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(oaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("openai error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var oaResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(oaResp.Choices) == 0 || oaResp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyCompletion
	}

	return &CompletionResponse{
		Text:             oaResp.Choices[0].Message.Content,
		Model:            oaResp.Model,
		PromptTokens:     oaResp.Usage.PromptTokens,
		CompletionTokens: oaResp.Usage.CompletionTokens,
		TotalTokens:      oaResp.Usage.TotalTokens,
		Meta: ProviderMeta{
			Name:     "openai",
			Duration: time.Since(start),
		},
	}, nil
}

// OpenAI API types.
type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
