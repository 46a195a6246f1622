// Package anthropic implements models.AIProvider against the Anthropic messages API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/internal/ai"
	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const (
	messagesPath = "/v1/messages"
	apiVersion   = "2023-06-01"
	maxTokens    = 4096
)

// Provider implements models.AIProvider using Anthropic.
type Provider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{},
	}
}

func (p *Provider) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (p *Provider) Review(ctx context.Context, req models.ReviewRequest) (models.ReviewResult, error) {
	system, user := ai.BuildPrompt(req)
	body := messagesRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: user}},
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": apiVersion,
	}

	var resp messagesResponse
	if err := ai.PostJSON(ctx, p.client, p.baseURL+messagesPath, headers, body, &resp); err != nil {
		return models.ReviewResult{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if resp.StopReason == "max_tokens" {
		return models.ReviewResult{}, fmt.Errorf("%w: response cut off at max_tokens", ai.ErrMalformedOutput)
	}

	result, err := ai.ParseReviewResult(text.String())
	if err != nil {
		return models.ReviewResult{}, err
	}
	result.Provider = p.Name()
	result.Model = resp.Model
	if result.Model == "" {
		result.Model = p.model
	}
	return result, nil
}

var _ models.AIProvider = (*Provider)(nil)
