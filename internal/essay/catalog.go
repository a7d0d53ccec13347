package essay

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

// FeedbackTemplate is a canned review.
type FeedbackTemplate struct {
	GoodPoints         []string `yaml:"goodPoints"`
	Improvements       []string `yaml:"improvements"`
	ExampleImprovement string   `yaml:"exampleImprovement"`
	NextSteps          []string `yaml:"nextSteps"`
	OverallScore       int      `yaml:"overallScore"`
}

type catalogFile struct {
	Messages         map[string]string `yaml:"messages"`
	FeedbackDefaults *FeedbackTemplate `yaml:"feedback_defaults"`
	FeedbackFallback *FeedbackTemplate `yaml:"feedback_fallback"`
	OCRFallback      *struct {
		Issues []string `yaml:"issues"`
	} `yaml:"ocr_fallback"`
}

// Catalog holds the templated responses used when no completion is
// available.
type Catalog struct {
	messages         map[string]*template.Template
	feedbackDefaults FeedbackTemplate
	feedbackFallback FeedbackTemplate
	ocrIssues        []string
}

var requiredMessages = []string{
	"ocr_in_progress", "ocr_missing", "review",
	"answer_review_fallback", "ocr_review_fallback", "short_review_fallback",
	"theme_response", "theme_content_fallback", "problem_theme_content",
	"questions_fallback", "problem_questions", "questions_response",
	"model_answer_fallback", "pass_response", "intro_too_short",
	"vocab_answers_default", "vocab_problems_default", "vocab_exercise",
	"vocab_pass", "vocab_answered", "vocab_too_short",
	"short_problem_default", "short_exercise", "short_model_answer_fallback", "short_too_short",
	"main_problem_fallback", "main_problem_default", "main_exercise",
	"challenge_problem_fallback", "challenge_problem_default", "challenge_exercise",
	"upload_prompt", "main_done", "challenge_done",
	"wrapup_card", "wrapup_prompt",
}

var templateFuncs = template.FuncMap{
	"numbered": func(items []string) string {
		var b strings.Builder
		for i, item := range items {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(strconv.Itoa(i + 1))
			b.WriteString(". ")
			b.WriteString(item)
		}
		return b.String()
	},
}

// LoadCatalog parses the embedded catalog. When overridePath is set, entries
// in that file replace the embedded ones key by key.
func LoadCatalog(overridePath string) (*Catalog, error) {
	var base catalogFile
	if err := yaml.Unmarshal(defaultTemplates, &base); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read templates %s: %w", overridePath, err)
		}
		var override catalogFile
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("parse templates %s: %w", overridePath, err)
		}
		for k, v := range override.Messages {
			base.Messages[k] = v
		}
		if override.FeedbackDefaults != nil {
			base.FeedbackDefaults = override.FeedbackDefaults
		}
		if override.FeedbackFallback != nil {
			base.FeedbackFallback = override.FeedbackFallback
		}
		if override.OCRFallback != nil {
			base.OCRFallback = override.OCRFallback
		}
		slog.Info("Essay templates overridden", "path", overridePath, "messages", len(override.Messages))
	}

	c := &Catalog{messages: make(map[string]*template.Template, len(base.Messages))}
	for name, body := range base.Messages {
		t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		c.messages[name] = t
	}
	for _, name := range requiredMessages {
		if _, ok := c.messages[name]; !ok {
			return nil, fmt.Errorf("template %s is missing", name)
		}
	}
	if base.FeedbackDefaults == nil || base.FeedbackFallback == nil {
		return nil, fmt.Errorf("feedback templates are missing")
	}
	c.feedbackDefaults = *base.FeedbackDefaults
	c.feedbackFallback = *base.FeedbackFallback
	if base.OCRFallback != nil {
		c.ocrIssues = base.OCRFallback.Issues
	}
	return c, nil
}

// Render executes the named template. A broken override never fails a
// request: the error is logged and an empty string returned.
func (c *Catalog) Render(name string, data any) string {
	t, ok := c.messages[name]
	if !ok {
		slog.Error("Unknown essay template", "name", name)
		return ""
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		slog.Error("Failed to render essay template", "name", name, "error", err)
		return ""
	}
	return buf.String()
}
