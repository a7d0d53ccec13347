package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/llm"
)

// Content is a pre-built guided lesson supplied by the caller instead of
// generated.
type Content struct {
	Analysis            string           `json:"analysis"`
	Steps               []domain.Step    `json:"steps"`
	ConfirmationProblem *domain.Problem  `json:"confirmationProblem"`
	SimilarProblems     []domain.Problem `json:"similarProblems"`
}

// StartRequest describes a new guided session.
type StartRequest struct {
	StudentID   string
	Subject     string
	ProblemText string
	// Image is an optional data URL of a photographed problem.
	Image   string
	Message string
	Content *Content
}

const guidedSystemPrompt = `あなたは生徒の学習を段階的に導く家庭教師です。
与えられた問題を分析し、理解を確認する選択式の小ステップ、確認問題、類似問題を作成してください。
各ステップは4つの選択肢(A〜D)を持ち、correctAnswerは選択肢の記号(A/B/C/D)のみとします。
出力は指定されたJSONのみで返してください。`

var guidedSchema = &llm.Schema{
	Name:        "guided-lesson",
	Description: "Step-by-step guided lesson with a confirmation gate and similar problems",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"analysis": map[string]any{"type": "string"},
			"steps": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"stepNumber":    map[string]any{"type": "integer"},
						"instruction":   map[string]any{"type": "string"},
						"type":          map[string]any{"type": "string", "enum": []any{"choice", "input"}},
						"options":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"correctAnswer": map[string]any{"type": "string"},
						"explanation":   map[string]any{"type": "string"},
						"hint":          map[string]any{"type": "string"},
					},
					"required":             []any{"stepNumber", "instruction", "type", "options", "correctAnswer", "explanation", "hint"},
					"additionalProperties": false,
				},
			},
			"confirmationProblem": problemSchema(),
			"similarProblems": map[string]any{
				"type":  "array",
				"items": problemSchema(),
			},
		},
		"required":             []any{"analysis", "steps", "confirmationProblem", "similarProblems"},
		"additionalProperties": false,
	},
}

func problemSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question":       map[string]any{"type": "string"},
			"type":           map[string]any{"type": "string", "enum": []any{"choice", "input"}},
			"options":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"correctAnswer":  map[string]any{"type": "string"},
			"correctAnswers": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"explanation":    map[string]any{"type": "string"},
			"difficulty":     map[string]any{"type": "string"},
		},
		"required":             []any{"question", "type", "options", "correctAnswer", "correctAnswers", "explanation", "difficulty"},
		"additionalProperties": false,
	}
}

// StartSession creates a guided session from supplied content or from a
// generated lesson. Nothing is stored when generation fails.
func (m *Machine) StartSession(ctx context.Context, req StartRequest) (*domain.Session, error) {
	const op = "start session"

	content := req.Content
	if content == nil {
		if strings.TrimSpace(req.ProblemText) == "" && req.Image == "" {
			return nil, domain.Validation(op, "problemText or image is required")
		}
		generated, err := m.generate(ctx, req)
		if err != nil {
			return nil, domain.UpstreamGeneration(op, err)
		}
		content = generated
	}
	if len(content.Steps) == 0 {
		if req.Content != nil {
			return nil, domain.Validation(op, "content has no steps")
		}
		return nil, domain.UpstreamGeneration(op, errors.New("generated lesson has no steps"))
	}

	state := domain.GuidedState{
		Steps:               content.Steps,
		ConfirmationProblem: content.ConfirmationProblem,
		SimilarProblems:     content.SimilarProblems,
		Subject:             req.Subject,
		ProblemText:         req.ProblemText,
		Analysis:            content.Analysis,
	}
	normalizeState(&state)

	s, err := m.sessions.Create(ctx, domain.NewGuidedSession(req.StudentID, state))
	if err != nil {
		return nil, err
	}
	slog.Info("Guided session started", "session_id", s.ID, "steps", len(state.Steps), "similar_problems", len(state.SimilarProblems))
	return s, nil
}

func (m *Machine) generate(ctx context.Context, req StartRequest) (*Content, error) {
	if m.completer == nil {
		return nil, errors.New("no completion provider configured")
	}

	var b strings.Builder
	if req.Subject != "" {
		fmt.Fprintf(&b, "教科: %s\n", req.Subject)
	}
	if req.ProblemText != "" {
		fmt.Fprintf(&b, "問題:\n%s\n", req.ProblemText)
	}
	if req.Message != "" {
		fmt.Fprintf(&b, "生徒からのメッセージ: %s\n", req.Message)
	}
	if req.Image != "" {
		b.WriteString("問題は添付画像を参照してください。\n")
	}

	prompt := llm.Prompt{
		System:      guidedSystemPrompt,
		User:        b.String(),
		Schema:      guidedSchema,
		MaxTokens:   4000,
		Temperature: 0.3,
	}
	if req.Image != "" {
		prompt.Images = []string{req.Image}
	}

	var out Content
	if err := m.completer.CompleteJSON(llm.WithPurpose(ctx, llm.PurposeGuidedSteps), prompt, &out); err != nil {
		slog.Warn("Guided lesson generation failed", "error", err)
		return nil, err
	}
	return &out, nil
}
