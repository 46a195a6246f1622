package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the reviewpipe server, worker and CLI.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Static   StaticConfig
	AI       AIConfig
}

type ServerConfig struct {
	Port           int
	MetricsPort    int
	Env            string
	RequestsPerMin int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type QueueConfig struct {
	Backend           string
	MaxAttempts       int
	BackoffBase       time.Duration
	PriorityThreshold int
	KeepCompleted     int
	KeepFailed        int
	DequeueWait       time.Duration
}

type WorkerConfig struct {
	Concurrency         int
	DrainTimeout        time.Duration
	Retention           time.Duration
	RetentionSweepEvery time.Duration
}

type StaticConfig struct {
	Analyzer string
	Command  string
	Args     []string
	Timeout  time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	MaxInputTokens   int
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("REVIEWPIPE_PORT", 8080),
			MetricsPort:    envInt("REVIEWPIPE_METRICS_PORT", 9090),
			Env:            envString("REVIEWPIPE_ENV", "development"),
			RequestsPerMin: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			SQLitePath:      envString("SQLITE_PATH", "reviewpipe.db"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Backend:           envString("QUEUE_BACKEND", "redis"),
			MaxAttempts:       envInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:       envDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			PriorityThreshold: envInt("QUEUE_PRIORITY_THRESHOLD", 10),
			KeepCompleted:     envInt("QUEUE_KEEP_COMPLETED", 100),
			KeepFailed:        envInt("QUEUE_KEEP_FAILED", 50),
			DequeueWait:       envDuration("QUEUE_DEQUEUE_WAIT", 5*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:         envInt("WORKER_CONCURRENCY", 4),
			DrainTimeout:        envDuration("WORKER_DRAIN_TIMEOUT", 30*time.Second),
			Retention:           envDuration("JOB_RETENTION", 30*24*time.Hour),
			RetentionSweepEvery: envDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
		},
		Static: StaticConfig{
			Analyzer: envString("STATIC_ANALYZER", "builtin"),
			Command:  os.Getenv("STATIC_ANALYZER_COMMAND"),
			Args:     envList("STATIC_ANALYZER_ARGS"),
			Timeout:  envDurationSecs("STATIC_ANALYSIS_TIMEOUT_SECS", 30*time.Second),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			MaxInputTokens:   envInt("AI_MAX_INPUT_TOKENS", 12000),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}
	if c.Database.Driver == "sqlite" && c.Database.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
	}

	if c.Queue.Backend != "redis" && c.Queue.Backend != "memory" {
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, memory; got %q", c.Queue.Backend)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.PriorityThreshold < 1 || c.Queue.PriorityThreshold > 10 {
		return fmt.Errorf("QUEUE_PRIORITY_THRESHOLD must be between 1 and 10, got %d", c.Queue.PriorityThreshold)
	}

	if c.Static.Analyzer != "builtin" && c.Static.Analyzer != "command" {
		return fmt.Errorf("STATIC_ANALYZER must be one of builtin, command; got %q", c.Static.Analyzer)
	}
	if c.Static.Analyzer == "command" && c.Static.Command == "" {
		return fmt.Errorf("STATIC_ANALYZER_COMMAND is required when STATIC_ANALYZER is command")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.MaxInputTokens < 256 {
		return fmt.Errorf("AI_MAX_INPUT_TOKENS must be at least 256, got %d", c.AI.MaxInputTokens)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a whitespace-separated value, e.g. "--json --quiet".
func envList(key string) []string {
	return strings.Fields(os.Getenv(key))
}
