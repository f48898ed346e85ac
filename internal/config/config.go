package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the persona chat service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	OTLPEndpoint     string        `yaml:"otlp_endpoint"`

	IdentityUserHeader string `yaml:"identity_user_header"`
	IdentityNameHeader string `yaml:"identity_name_header"`

	DatabaseURL    string        `yaml:"database_url"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	RedisURL string `yaml:"redis_url"`

	HistoryBackend string `yaml:"history_backend"`
	HistoryWindow  int    `yaml:"history_window"`
	SeedDelimiter  string `yaml:"seed_delimiter"`

	VectorBackend      string `yaml:"vector_backend"`
	VectorChromemPath  string `yaml:"vector_chromem_path"`
	VectorTopK         int    `yaml:"vector_top_k"`
	EmbeddingProvider  string `yaml:"embedding_provider"`
	EmbeddingModel     string `yaml:"embedding_model"`
	OpenAIAPIKey       string `yaml:"openai_api_key"`
	OllamaURL          string `yaml:"ollama_url"`
	MemoryEmbeddingDim int    `yaml:"memory_embedding_dim"`
	EmbeddingCacheSize int    `yaml:"embedding_cache_size"`
	MemoryRedactPII    bool   `yaml:"memory_redact_pii"`

	RateLimitBackend  string        `yaml:"rate_limit_backend"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitTimeout  time.Duration `yaml:"rate_limit_timeout"`

	LLMProvider       string        `yaml:"llm_provider"`
	LLMModel          string        `yaml:"llm_model"`
	LLMHTTPURL        string        `yaml:"llm_http_url"`
	LLMMaxTokens      int           `yaml:"llm_max_tokens"`
	LLMMaxPromptChars int           `yaml:"llm_max_prompt_chars"`
	AnthropicAPIKey   string        `yaml:"anthropic_api_key"`
	StreamMaxDuration time.Duration `yaml:"stream_max_duration"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		BindAddr:           ":8080",
		ShutdownTimeout:    15 * time.Second,
		MetricsNamespace:   "personaai",
		LogLevel:           "info",
		LogFormat:          "text",
		IdentityUserHeader: "X-User-Id",
		IdentityNameHeader: "X-User-First-Name",
		PersistTimeout:     5 * time.Second,
		HistoryBackend:     "auto",
		// Lines of transcript a prompt sees.
		HistoryWindow:      30,
		SeedDelimiter:      "\n",
		VectorBackend:      "chromem",
		VectorTopK:         3,
		EmbeddingProvider:  "auto",
		EmbeddingModel:     "text-embedding-3-small",
		OllamaURL:          "http://localhost:11434/api",
		MemoryEmbeddingDim: 1536,
		EmbeddingCacheSize: 4096,
		RateLimitBackend:   "auto",
		RateLimitRequests:  10,
		RateLimitWindow:    10 * time.Second,
		RateLimitTimeout:   2 * time.Second,
		LLMProvider:        "auto",
		LLMModel:           "claude-sonnet-4-5",
		LLMMaxTokens:       2048,
		LLMMaxPromptChars:  100_000,
		StreamMaxDuration:  5 * time.Minute,
	}
}

// Load reads the optional YAML file named by APP_CONFIG_FILE, then applies
// environment variables on top and validates the result.
func Load() (Config, error) {
	cfg := Defaults()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("APP_CONFIG_FILE parse error: %w", err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	cfg.OTLPEndpoint = envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.IdentityUserHeader = envOrDefault("IDENTITY_USER_HEADER", cfg.IdentityUserHeader)
	cfg.IdentityNameHeader = envOrDefault("IDENTITY_NAME_HEADER", cfg.IdentityNameHeader)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.HistoryBackend = envOrDefault("HISTORY_BACKEND", cfg.HistoryBackend)
	cfg.SeedDelimiter = rawEnvOrDefault("SEED_DELIMITER", cfg.SeedDelimiter)
	cfg.VectorBackend = envOrDefault("VECTOR_BACKEND", cfg.VectorBackend)
	cfg.VectorChromemPath = envOrDefault("VECTOR_CHROMEM_PATH", cfg.VectorChromemPath)
	cfg.EmbeddingProvider = envOrDefault("EMBEDDING_PROVIDER", cfg.EmbeddingProvider)
	cfg.EmbeddingModel = envOrDefault("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OllamaURL = envOrDefault("OLLAMA_URL", cfg.OllamaURL)
	cfg.RateLimitBackend = envOrDefault("RATE_LIMIT_BACKEND", cfg.RateLimitBackend)
	cfg.LLMProvider = envOrDefault("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModel = envOrDefault("LLM_MODEL", cfg.LLMModel)
	cfg.LLMHTTPURL = envOrDefault("LLM_HTTP_URL", cfg.LLMHTTPURL)
	cfg.AnthropicAPIKey = envOrDefault("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PersistTimeout, err = durationFromEnv("PERSIST_TIMEOUT", cfg.PersistTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = durationFromEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitTimeout, err = durationFromEnv("RATE_LIMIT_TIMEOUT", cfg.RateLimitTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StreamMaxDuration, err = durationFromEnv("STREAM_MAX_DURATION", cfg.StreamMaxDuration); err != nil {
		return Config{}, err
	}
	if cfg.HistoryWindow, err = intFromEnv("HISTORY_WINDOW", cfg.HistoryWindow); err != nil {
		return Config{}, err
	}
	if cfg.VectorTopK, err = intFromEnv("VECTOR_TOP_K", cfg.VectorTopK); err != nil {
		return Config{}, err
	}
	if cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingCacheSize, err = intFromEnv("EMBEDDING_CACHE_SIZE", cfg.EmbeddingCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRequests, err = intFromEnv("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxPromptChars, err = intFromEnv("LLM_MAX_PROMPT_CHARS", cfg.LLMMaxPromptChars); err != nil {
		return Config{}, err
	}
	if cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be positive")
	}
	if c.SeedDelimiter == "" {
		return fmt.Errorf("SEED_DELIMITER must not be empty")
	}
	if c.VectorTopK <= 0 {
		return fmt.Errorf("VECTOR_TOP_K must be positive")
	}
	if c.MemoryEmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.EmbeddingCacheSize < 0 {
		return fmt.Errorf("EMBEDDING_CACHE_SIZE must be >= 0")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RateLimitWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if c.RateLimitTimeout <= 0 {
		return fmt.Errorf("RATE_LIMIT_TIMEOUT must be positive")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be positive")
	}
	if c.LLMMaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}
	if c.LLMMaxPromptChars <= 0 {
		return fmt.Errorf("LLM_MAX_PROMPT_CHARS must be positive")
	}
	if c.StreamMaxDuration <= 0 {
		return fmt.Errorf("STREAM_MAX_DURATION must be positive")
	}
	if strings.TrimSpace(c.LLMModel) == "" {
		return fmt.Errorf("LLM_MODEL must not be empty")
	}
	if strings.TrimSpace(c.IdentityUserHeader) == "" || strings.TrimSpace(c.IdentityNameHeader) == "" {
		return fmt.Errorf("IDENTITY_USER_HEADER and IDENTITY_NAME_HEADER must not be empty")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

// rawEnvOrDefault keeps surrounding whitespace, which is significant for
// delimiters such as "\n\n". Escaped sequences are unquoted.
func rawEnvOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if unquoted, err := strconv.Unquote(`"` + v + `"`); err == nil {
		return unquoted
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
