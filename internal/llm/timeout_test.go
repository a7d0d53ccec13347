package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type slowProvider struct{ delay time.Duration }

func (s slowProvider) Generate(ctx context.Context, _ Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return &Response{Content: []byte(`late`)}, nil
	}
}

func (slowProvider) ModelID() string { return "slow" }

func TestTimeout_ReportsUnavailable(t *testing.T) {
	p := WithTimeout(slowProvider{delay: time.Second}, 10*time.Millisecond)

	_, err := p.Generate(context.Background(), Request{})
	var unavail *ErrProviderUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("expected ErrProviderUnavailable, got: %T (%v)", err, err)
	}
}

func TestTimeout_PassesThroughFastCalls(t *testing.T) {
	p := WithTimeout(slowProvider{delay: time.Millisecond}, time.Second)

	resp, err := p.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Content) != "late" {
		t.Fatalf("unexpected content: %s", resp.Content)
	}
}

func TestTimeout_DisabledReturnsInner(t *testing.T) {
	inner := NewMockProvider()
	if WithTimeout(inner, 0) != Provider(inner) {
		t.Fatal("expected the inner provider when timeout is disabled")
	}
}
