package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/studypartner/internal/metrics"
)

// MetricsProvider records latency and outcome of every request.
type MetricsProvider struct {
	inner    Provider
	recorder *metrics.Recorder
}

// WithMetrics wraps a Provider with request instrumentation.
func WithMetrics(p Provider, rec *metrics.Recorder) Provider {
	return &MetricsProvider{inner: p, recorder: rec}
}

func (m *MetricsProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	purpose := PurposeFrom(ctx)

	resp, err := m.inner.Generate(ctx, req)
	elapsed := time.Since(start)

	m.recorder.Completion(m.inner.ModelID(), purpose, err, elapsed)
	if err != nil {
		slog.Warn("Completion request failed", "model", m.inner.ModelID(), "purpose", purpose, "latency_ms", elapsed.Milliseconds(), "error", err)
		return nil, err
	}
	slog.Debug("Completion request served",
		"model", resp.Model,
		"purpose", purpose,
		"latency_ms", elapsed.Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return resp, nil
}

func (m *MetricsProvider) ModelID() string {
	return m.inner.ModelID()
}
