package llm

import (
	"context"
	"fmt"

	"github.com/ashureev/studypartner/internal/metrics"
)

// NewProvider creates a Provider from configuration, wrapped as
// caller → timeout → retry → metrics → base.
func NewProvider(ctx context.Context, cfg Config, rec *metrics.Recorder) (Provider, error) {
	var base Provider
	var err error

	switch cfg.Provider {
	case ProviderAnthropic:
		base, err = NewAnthropicProvider(cfg.Anthropic)
	case ProviderOpenAI:
		base, err = NewOpenAIProvider(cfg.OpenAI)
	case ProviderGemini:
		base, err = NewGeminiProvider(ctx, cfg.Gemini)
	case ProviderMock:
		// An empty mock fails every call, which exercises the templated fallbacks.
		base = NewMockProvider()
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", cfg.Provider, err)
	}

	measured := WithMetrics(base, rec)
	retried := WithRetry(measured, cfg.Retry)
	return WithTimeout(retried, cfg.Timeout), nil
}
