package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Prompt is a single-turn completion input.
type Prompt struct {
	System      string
	User        string
	Images      []string
	Schema      *Schema
	MaxTokens   int
	Temperature float64
}

// Completer adapts a Provider to the single complete(prompt, format) → text
// operation used by the state machines.
type Completer struct {
	provider Provider
}

// NewCompleter wraps a Provider.
func NewCompleter(p Provider) *Completer {
	return &Completer{provider: p}
}

// Complete returns the trimmed completion text. An empty completion is an
// ErrInvalidResponse.
func (c *Completer) Complete(ctx context.Context, p Prompt) (string, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	resp, err := c.provider.Generate(ctx, Request{
		System:      p.System,
		Messages:    []Message{{Role: RoleUser, Content: p.User, Images: p.Images}},
		Schema:      p.Schema,
		MaxTokens:   maxTokens,
		Temperature: p.Temperature,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(resp.Content))
	if text == "" {
		return "", &ErrInvalidResponse{Err: fmt.Errorf("empty completion")}
	}
	return text, nil
}

// CompleteJSON completes p and decodes the result into out. Providers
// without native structured output often wrap JSON in prose or code fences,
// so the outermost JSON value is extracted before decoding.
func (c *Completer) CompleteJSON(ctx context.Context, p Prompt, out any) error {
	text, err := c.Complete(ctx, p)
	if err != nil {
		return err
	}
	raw, ok := ExtractJSON(text)
	if !ok {
		return &ErrInvalidResponse{Content: json.RawMessage(text), Err: fmt.Errorf("no JSON value in completion")}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &ErrInvalidResponse{Content: json.RawMessage(raw), Err: fmt.Errorf("decode completion: %w", err)}
	}
	return nil
}

// ModelID returns the underlying provider's model.
func (c *Completer) ModelID() string {
	return c.provider.ModelID()
}

// ExtractJSON returns the outermost JSON object or array in s.
func ExtractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if body, ok := strings.CutPrefix(s, "```"); ok {
		body = strings.TrimPrefix(body, "json")
		if end := strings.LastIndex(body, "```"); end >= 0 {
			body = body[:end]
		}
		s = strings.TrimSpace(body)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return "", false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}
