// Package provider selects the AI provider implementation named in config.
package provider

import (
	"fmt"

	"github.com/kiranshivaraju/reviewpipe/internal/ai/anthropic"
	"github.com/kiranshivaraju/reviewpipe/internal/ai/mock"
	"github.com/kiranshivaraju/reviewpipe/internal/ai/openai"
	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

// New constructs the appropriate AI provider based on config.
// Called once at worker startup.
func New(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "ollama":
		return openai.NewCompatible("ollama", cfg.Ollama.BaseURL, "", cfg.Ollama.Model), nil
	case "vllm":
		return openai.NewCompatible("vllm", cfg.VLLM.BaseURL, "", cfg.VLLM.Model), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic, mock", cfg.Provider)
	}
}
