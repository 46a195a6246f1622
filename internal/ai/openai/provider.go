// Package openai implements models.AIProvider against the OpenAI chat
// completions API. vLLM and Ollama expose the same endpoint and reuse it.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/internal/ai"
	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const chatCompletionsPath = "/v1/chat/completions"

// Provider implements models.AIProvider using an OpenAI-compatible endpoint.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return NewCompatible("openai", cfg.BaseURL, cfg.APIKey, cfg.Model)
}

// NewCompatible creates a provider for any server speaking the chat
// completions protocol. apiKey may be empty.
func NewCompatible(name, baseURL, apiKey, model string) *Provider {
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{},
	}
}

func (p *Provider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *Provider) Review(ctx context.Context, req models.ReviewRequest) (models.ReviewResult, error) {
	system, user := ai.BuildPrompt(req)
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var resp chatResponse
	if err := ai.PostJSON(ctx, p.client, p.baseURL+chatCompletionsPath, headers, body, &resp); err != nil {
		return models.ReviewResult{}, fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return models.ReviewResult{}, fmt.Errorf("%w: response has no choices", ai.ErrMalformedOutput)
	}

	result, err := ai.ParseReviewResult(resp.Choices[0].Message.Content)
	if err != nil {
		return models.ReviewResult{}, err
	}
	result.Provider = p.name
	result.Model = resp.Model
	if result.Model == "" {
		result.Model = p.model
	}
	return result, nil
}

var _ models.AIProvider = (*Provider)(nil)
