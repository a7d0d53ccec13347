// Package essay implements the essay-coaching conversation: a six-step
// lesson driven by free-text chat turns, handwritten uploads, OCR and
// reviews. Every completion call has a deterministic templated fallback.
package essay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/library"
	"github.com/ashureev/studypartner/internal/llm"
	"github.com/ashureev/studypartner/internal/metrics"
	"github.com/ashureev/studypartner/internal/session"
	"github.com/ashureev/studypartner/internal/transcript"
)

const machineName = "essay"

// Engine runs essay sessions.
type Engine struct {
	sessions   *session.Cache
	completer  *llm.Completer
	library    *library.Cache
	catalog    *Catalog
	transcript transcript.Logger
	metrics    *metrics.Recorder
	now        func() time.Time

	maxVariants int
}

// Option configures an Engine.
type Option func(*Engine)

// WithTranscript records every chat turn.
func WithTranscript(l transcript.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.transcript = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. completer and lib may be nil; every generation
// then takes its fallback path.
func New(sessions *session.Cache, completer *llm.Completer, lib *library.Cache, catalog *Catalog, opts ...Option) *Engine {
	e := &Engine{
		sessions:    sessions,
		completer:   completer,
		library:     lib,
		catalog:     catalog,
		transcript:  transcript.Noop{},
		now:         time.Now,
		maxVariants: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitRequest configures a new essay session.
type InitRequest struct {
	StudentID     string
	TargetLevel   string
	LessonFormat  string
	ProblemMode   string
	CustomInput   string
	LearningStyle string
}

var (
	lessonFormats = []string{domain.FormatFull55Min, domain.FormatVocabularyFocus, domain.FormatShortEssayFocus}
	problemModes  = []string{domain.ProblemModeAI, domain.ProblemModeTheme, domain.ProblemModeProblem}
)

// InitSession creates an essay session positioned at step 1.
func (e *Engine) InitSession(ctx context.Context, req InitRequest) (*domain.Session, error) {
	const op = "init essay session"

	switch {
	case strings.TrimSpace(req.TargetLevel) == "":
		return nil, domain.Validation(op, "targetLevel is required")
	case !slices.Contains(lessonFormats, req.LessonFormat):
		return nil, domain.Validation(op, "unknown lessonFormat %q", req.LessonFormat)
	case !slices.Contains(problemModes, req.ProblemMode):
		return nil, domain.Validation(op, "unknown problemMode %q", req.ProblemMode)
	case req.ProblemMode != domain.ProblemModeAI && strings.TrimSpace(req.CustomInput) == "":
		return nil, domain.Validation(op, "customInput is required for problemMode %q", req.ProblemMode)
	}

	style := req.LearningStyle
	if style == "" {
		style = "auto"
	}

	s, err := e.sessions.Create(ctx, domain.NewEssaySession(req.StudentID, domain.EssayState{
		TargetLevel:    req.TargetLevel,
		LessonFormat:   req.LessonFormat,
		ProblemMode:    req.ProblemMode,
		CustomInput:    strings.TrimSpace(req.CustomInput),
		LearningStyle:  style,
		UploadedImages: []domain.UploadedImage{},
		OCRResults:     []domain.OCRResult{},
		Feedbacks:      []domain.Feedback{},
		ChatHistory:    []domain.ChatEntry{},
	}))
	if err != nil {
		return nil, err
	}
	slog.Info("Essay session initialized", "session_id", s.ID, "format", req.LessonFormat, "mode", req.ProblemMode)
	return s, nil
}

// UploadImage appends a manuscript photo for step and returns how many
// images the step now has.
func (e *Engine) UploadImage(ctx context.Context, sessionID string, step int, imageData string) (int, error) {
	const op = "upload image"
	if !strings.HasPrefix(imageData, "data:image/") {
		return 0, domain.Validation(op, "imageData must be an image data URL")
	}
	if err := validStep(op, step); err != nil {
		return 0, err
	}

	count := 0
	_, err := e.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
		es, err := essayState(op, s)
		if err != nil {
			return err
		}
		es.UploadedImages = append(es.UploadedImages, domain.UploadedImage{Step: step, ImageData: imageData, UploadedAt: e.now()})
		for _, img := range es.UploadedImages {
			if img.Step == step {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecordOCR reads a manuscript image and appends the result to the session.
// When imageData is empty the newest upload for step is read. An unreadable
// or failed read is recorded as not readable rather than failing.
func (e *Engine) RecordOCR(ctx context.Context, sessionID string, step int, imageData string) (*domain.OCRResult, error) {
	const op = "record ocr"
	if step == 0 {
		step = 4
	}
	if err := validStep(op, step); err != nil {
		return nil, err
	}

	s, err := e.sessions.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	es, err := essayState(op, s)
	if err != nil {
		return nil, err
	}
	if imageData == "" {
		img := es.LatestImage(step)
		if img == nil {
			return nil, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeNoImage, Op: op}
		}
		imageData = img.ImageData
	}

	result := e.readManuscript(ctx, imageData)
	result.Step = step
	result.ProcessedAt = e.now()

	_, err = e.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
		es, err := essayState(op, s)
		if err != nil {
			return err
		}
		es.OCRResults = append(es.OCRResults, *result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateFeedback reviews the newest OCR text for step (or the newest OCR
// of any step when step is 0) and appends the review to the session.
func (e *Engine) GenerateFeedback(ctx context.Context, sessionID string, step int) (*domain.Feedback, error) {
	const op = "generate feedback"

	s, err := e.sessions.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	es, err := essayState(op, s)
	if err != nil {
		return nil, err
	}
	ocr := latestOCR(es, step)
	if ocr == nil {
		return nil, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeNoOCRData, Op: op}
	}

	fb := e.reviewManuscript(ctx, es, ocr)

	var recorded *domain.Feedback
	_, err = e.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
		es, err := essayState(op, s)
		if err != nil {
			return err
		}
		es.Feedbacks = append(es.Feedbacks, fb)
		recorded = &fb
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !fb.IsFallback {
		e.scoreLibraryProblem(ctx, s, ocr.Step, fb.OverallScore)
	}
	return recorded, nil
}

// StepProgress is the lesson position after AdvanceStep.
type StepProgress struct {
	CurrentStep int                         `json:"currentStep"`
	StepStatus  map[string]domain.StepState `json:"stepStatus"`
	Finished    bool                        `json:"finished"`
}

// AdvanceStep completes the current step and opens the next one.
func (e *Engine) AdvanceStep(ctx context.Context, sessionID string) (*StepProgress, error) {
	const op = "advance step"
	var (
		progress   StepProgress
		transition string
	)

	_, err := e.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
		es, err := essayState(op, s)
		if err != nil {
			return err
		}
		cur := max(es.CurrentStep, 1)
		if es.StepStateOf(cur) != domain.StepCompleted {
			es.MarkStep(cur, domain.StepCompleted)
			transition = fmt.Sprintf("step_%d_completed", cur)
		}
		if cur < domain.EssayStepCount {
			cur++
			if es.StepStateOf(cur) != domain.StepCompleted {
				es.MarkStep(cur, domain.StepInProgress)
			}
		}
		es.CurrentStep = cur
		progress = StepProgress{CurrentStep: cur, StepStatus: es.StepStatus, Finished: es.Finished()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transition != "" {
		e.metrics.Transition(machineName, transition)
	}
	return &progress, nil
}

func (e *Engine) scoreLibraryProblem(ctx context.Context, s *domain.Session, step, score int) {
	if e.library == nil || s.Essay == nil {
		return
	}
	var problemID string
	switch step {
	case 4:
		problemID = s.Essay.MainProblemID
	case 5:
		problemID = s.Essay.ChallengeID
	}
	if problemID == "" {
		return
	}
	if err := e.library.UpdateScore(ctx, problemID, studentKey(s), score); err != nil {
		slog.Warn("Failed to record library problem score", "problem_id", problemID, "session_id", s.ID, "error", err)
	}
}

func studentKey(s *domain.Session) string {
	if s.StudentID != "" {
		return s.StudentID
	}
	return "session:" + s.ID
}

func latestOCR(es *domain.EssayState, step int) *domain.OCRResult {
	if step > 0 {
		return es.LatestOCR(step)
	}
	if n := len(es.OCRResults); n > 0 {
		return &es.OCRResults[n-1]
	}
	return nil
}

func essayState(op string, s *domain.Session) (*domain.EssayState, error) {
	if s.Kind != domain.SessionKindEssay || s.Essay == nil {
		return nil, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeWrongSessionKind, Op: op}
	}
	return s.Essay, nil
}

func validStep(op string, step int) error {
	if step < 1 || step > domain.EssayStepCount {
		return domain.Validation(op, "step %d out of range 1-%d", step, domain.EssayStepCount)
	}
	return nil
}

var errNoCompleter = errors.New("no completion provider configured")
