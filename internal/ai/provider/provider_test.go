package provider_test

import (
	"testing"

	"github.com/kiranshivaraju/reviewpipe/internal/ai/provider"
	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AIConfig
		want string
	}{
		{
			name: "ollama",
			cfg: config.AIConfig{
				Provider: "ollama",
				Ollama:   config.OllamaConfig{BaseURL: "http://localhost:11434", Model: "llama3"},
			},
			want: "ollama",
		},
		{
			name: "vllm",
			cfg: config.AIConfig{
				Provider: "vllm",
				VLLM:     config.VLLMConfig{BaseURL: "http://localhost:8000", Model: "mistral-7b"},
			},
			want: "vllm",
		},
		{
			name: "openai",
			cfg: config.AIConfig{
				Provider: "openai",
				OpenAI:   config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
			},
			want: "openai",
		},
		{
			name: "anthropic",
			cfg: config.AIConfig{
				Provider:  "anthropic",
				Anthropic: config.AnthropicConfig{APIKey: "sk-ant-test", Model: "claude-sonnet-4-5-20250929"},
			},
			want: "anthropic",
		},
		{
			name: "mock",
			cfg:  config.AIConfig{Provider: "mock"},
			want: "mock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := provider.New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestNew_Unknown(t *testing.T) {
	_, err := provider.New(config.AIConfig{Provider: "unknown-provider"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown AI provider")
	assert.Contains(t, err.Error(), "unknown-provider")
}

func TestNew_Empty(t *testing.T) {
	_, err := provider.New(config.AIConfig{Provider: ""})
	require.Error(t, err)
}
