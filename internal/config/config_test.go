package config

import (
	"testing"
	"time"

	"github.com/ashureev/studypartner/internal/llm"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER", llm.ProviderMock)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.SessionIdleTTL != time.Hour {
		t.Errorf("SessionIdleTTL = %v, want 1h", cfg.SessionIdleTTL)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
	if !cfg.IsDevelopment() {
		t.Error("empty FRONTEND_URL should be development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", llm.ProviderOpenAI)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("COMPLETION_TIMEOUT", "12s")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("FRONTEND_URL", "https://a.example.com")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Timeout != 12*time.Second {
		t.Errorf("LLM.Timeout = %v, want 12s", cfg.LLM.Timeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("RateLimitRPS = %v, want 2.5", cfg.RateLimitRPS)
	}
	if cfg.IsDevelopment() {
		t.Error("public FRONTEND_URL should not be development")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing provider key", map[string]string{"LLM_PROVIDER": llm.ProviderAnthropic}},
		{"unknown provider", map[string]string{"LLM_PROVIDER": "llama"}},
		{"bad log level", map[string]string{"LLM_PROVIDER": llm.ProviderMock, "LOG_LEVEL": "loud"}},
		{"empty db path", map[string]string{"LLM_PROVIDER": llm.ProviderMock, "DB_PATH": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ANTHROPIC_API_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("Load() error = nil, want error")
			}
		})
	}
}
