// Package config handles pipeline configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all worker configuration.
type Config struct {
	// Redis queue backend
	RedisURL        string
	RedisPoolSize   int
	RedisMaxRetries int
	RedisRetryDelay time.Duration

	// LLM provider selection: "http" or "cli"
	LLMProvider string
	ModelName   string
	Temperature float64
	MaxTokens   int

	// HTTP provider
	HTTPBaseURL string
	HTTPAPIKey  string
	HTTPTimeout time.Duration

	// CLI provider
	CLICommand      string
	CLIArgs         []string
	AnthropicAPIKey string

	// HSDS alignment loop
	MinConfidence  float64
	RetryThreshold float64
	MaxRetries     int
	SchemaPath     string // tabular HSDS schema file; empty uses the embedded copy
	PromptPath     string // alignment system prompt; empty uses the embedded copy

	// Quota deferred-retry schedule
	QuotaRetryDelay        time.Duration
	QuotaMaxDelay          time.Duration
	QuotaBackoffMultiplier float64

	// Content store; empty path disables deduplication
	ContentStorePath string

	// Worker
	WorkerPollInterval        time.Duration
	WorkerConcurrency         int
	WorkerShutdownGracePeriod time.Duration
	AuthCheckInterval         time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize:   getEnvInt("REDIS_POOL_SIZE", 10),
		RedisMaxRetries: getEnvInt("REDIS_MAX_RETRIES", 5),
		RedisRetryDelay: getEnvDuration("REDIS_RETRY_DELAY", 2*time.Second),

		LLMProvider: getEnv("LLM_PROVIDER", "http"),
		ModelName:   getEnv("LLM_MODEL_NAME", "gpt-4o"),
		Temperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
		MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 64768),

		HTTPBaseURL: getEnv("LLM_HTTP_BASE_URL", "https://api.openai.com/v1"),
		HTTPAPIKey:  getEnv("LLM_HTTP_API_KEY", ""),
		HTTPTimeout: getEnvDuration("LLM_HTTP_TIMEOUT", 30*time.Second),

		CLICommand:      getEnv("LLM_CLI_COMMAND", "claude"),
		CLIArgs:         getEnvSlice("LLM_CLI_ARGS", []string{"--print"}),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		MinConfidence:  getEnvFloat("HSDS_MIN_CONFIDENCE", 0.82),
		RetryThreshold: getEnvFloat("HSDS_RETRY_THRESHOLD", 0.65),
		MaxRetries:     getEnvInt("HSDS_MAX_RETRIES", 5),
		SchemaPath:     getEnv("HSDS_SCHEMA_PATH", ""),
		PromptPath:     getEnv("HSDS_PROMPT_PATH", ""),

		QuotaRetryDelay:        getEnvDuration("CLAUDE_QUOTA_RETRY_DELAY", time.Hour),
		QuotaMaxDelay:          getEnvDuration("CLAUDE_QUOTA_MAX_DELAY", 4*time.Hour),
		QuotaBackoffMultiplier: getEnvFloat("CLAUDE_QUOTA_BACKOFF_MULTIPLIER", 2.0),

		ContentStorePath: getEnv("CONTENT_STORE_PATH", ""),

		WorkerPollInterval:        getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		WorkerConcurrency:         getEnvInt("WORKER_CONCURRENCY", 1),
		WorkerShutdownGracePeriod: getEnvDuration("WORKER_SHUTDOWN_GRACE_PERIOD", 5*time.Minute),
		AuthCheckInterval:         getEnvDuration("AUTH_CHECK_INTERVAL", 30*time.Second),
	}

	switch cfg.LLMProvider {
	case "http", "cli":
	default:
		return nil, fmt.Errorf("LLM_PROVIDER must be \"http\" or \"cli\", got %q", cfg.LLMProvider)
	}

	if cfg.LLMProvider == "http" && cfg.HTTPAPIKey == "" {
		return nil, fmt.Errorf("LLM_HTTP_API_KEY is required for the http provider")
	}

	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("HSDS_MIN_CONFIDENCE must be in [0,1], got %v", cfg.MinConfidence)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("HSDS_MAX_RETRIES must be at least 1, got %d", cfg.MaxRetries)
	}

	return cfg, nil
}

// DedupEnabled returns true if the content store is configured.
func (c *Config) DedupEnabled() bool {
	return c.ContentStorePath != ""
}

// GetSetting reads a single typed setting from the environment. Supported
// types are string, int, float64, bool, and time.Duration. Required settings
// that are absent produce an error; optional ones fall back to the default.
func GetSetting[T any](name string, def T, required bool) (T, error) {
	raw := os.Getenv(name)
	if raw == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("required setting %s is not set", name)
		}
		return def, nil
	}

	var out any
	var err error
	switch any(def).(type) {
	case string:
		out = raw
	case int:
		out, err = strconv.Atoi(raw)
	case float64:
		out, err = strconv.ParseFloat(raw, 64)
	case bool:
		out = parseBool(raw)
	case time.Duration:
		out, err = time.ParseDuration(raw)
	default:
		var zero T
		return zero, fmt.Errorf("unsupported setting type for %s", name)
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid value for %s: %w", name, err)
	}
	return out.(T), nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
