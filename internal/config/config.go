// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/studypartner/internal/llm"
	"github.com/ashureev/studypartner/internal/transcript"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthPort string
	FrontendURL    string
	CORSOrigins    []string
	DBPath         string
	LogLevel       string

	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration
	StoreTimeout         time.Duration

	RateLimitRPS        float64
	RateLimitBurst      int
	MaxRequestBodyBytes int64

	RedisAddr    string
	RedisChannel string

	TemplatesPath   string
	ConversationLog transcript.Config
	LLM             llm.Config
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	llmCfg := llm.DefaultConfig()
	llmCfg.Provider = getEnv("LLM_PROVIDER", llmCfg.Provider)
	llmCfg.OpenAI.APIKey = getEnv("OPENAI_API_KEY", "")
	llmCfg.OpenAI.Model = getEnv("OPENAI_MODEL", llmCfg.OpenAI.Model)
	llmCfg.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", "")
	llmCfg.Anthropic.APIKey = getEnv("ANTHROPIC_API_KEY", "")
	llmCfg.Anthropic.Model = getEnv("ANTHROPIC_MODEL", llmCfg.Anthropic.Model)
	llmCfg.Gemini.APIKey = getEnv("GEMINI_API_KEY", "")
	llmCfg.Gemini.Model = getEnv("GEMINI_MODEL", llmCfg.Gemini.Model)
	llmCfg.Retry.MaxAttempts = getEnvInt("LLM_MAX_ATTEMPTS", llmCfg.Retry.MaxAttempts)
	llmCfg.Retry.MinAttempt = getEnvDuration("LLM_MIN_ATTEMPT", llmCfg.Retry.MinAttempt)
	llmCfg.Timeout = getEnvDuration("COMPLETION_TIMEOUT", llmCfg.Timeout)

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		GRPCHealthPort:       getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:          getEnv("FRONTEND_URL", ""),
		CORSOrigins:          splitList(getEnv("CORS_ORIGINS", "*")),
		DBPath:               getEnv("DB_PATH", "./data/studypartner.db"),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		SessionIdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		StoreTimeout:         getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 20),
		MaxRequestBodyBytes:  int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 10<<20)),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisChannel:         getEnv("REDIS_CHANNEL", "studypartner:sessions"),
		TemplatesPath:        getEnv("TEMPLATES_PATH", ""),
		ConversationLog: transcript.Config{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		LLM: llmCfg,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS cannot be negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
