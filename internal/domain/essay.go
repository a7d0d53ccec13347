package domain

import (
	"maps"
	"slices"
	"strconv"
	"time"
)

// Lesson formats.
const (
	FormatFull55Min       = "full_55min"
	FormatVocabularyFocus = "vocabulary_focus"
	FormatShortEssayFocus = "short_essay_focus"
)

// Problem modes.
const (
	ProblemModeAI      = "ai"
	ProblemModeTheme   = "theme"
	ProblemModeProblem = "problem"
)

// EssayStepCount is the number of lesson steps in an essay session.
const EssayStepCount = 6

// StepState is the per-step status of an essay lesson.
type StepState string

const (
	StepInProgress StepState = "in_progress"
	StepCompleted  StepState = "completed"
)

// UploadedImage is a handwritten manuscript photo submitted for a step.
type UploadedImage struct {
	Step       int       `json:"step"`
	ImageData  string    `json:"imageData"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// OCRResult is the text read from an uploaded image. Corrections are
// recorded as new entries with IsCorrected set.
type OCRResult struct {
	Step             int       `json:"step"`
	Readable         bool      `json:"readable"`
	ReadabilityScore int       `json:"readabilityScore"`
	Text             string    `json:"text"`
	CharCount        int       `json:"charCount"`
	Issues           []string  `json:"issues,omitempty"`
	IsCorrected      bool      `json:"isCorrected,omitempty"`
	ProcessedAt      time.Time `json:"processedAt"`
}

// Feedback is an essay review produced for a step.
type Feedback struct {
	Step               int       `json:"step"`
	GoodPoints         []string  `json:"goodPoints"`
	Improvements       []string  `json:"improvements"`
	ExampleImprovement string    `json:"exampleImprovement"`
	NextSteps          []string  `json:"nextSteps"`
	OverallScore       int       `json:"overallScore"`
	CharCount          int       `json:"charCount"`
	IsFallback         bool      `json:"isFallback,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// ChatEntry is one exchanged chat message.
type ChatEntry struct {
	Step      int       `json:"step"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EssayState is the payload of an essay-coaching session.
type EssayState struct {
	TargetLevel      string               `json:"targetLevel"`
	LessonFormat     string               `json:"lessonFormat"`
	ProblemMode      string               `json:"problemMode"`
	CustomInput      string               `json:"customInput,omitempty"`
	LearningStyle    string               `json:"learningStyle,omitempty"`
	CurrentStep      int                  `json:"currentStep"`
	StepStatus       map[string]StepState `json:"stepStatus"`
	LastThemeTitle   string               `json:"lastThemeTitle,omitempty"`
	LastThemeContent string               `json:"lastThemeContent,omitempty"`
	UploadedImages   []UploadedImage      `json:"uploadedImages"`
	OCRResults       []OCRResult          `json:"ocrResults"`
	Feedbacks        []Feedback           `json:"feedbacks"`
	ChatHistory      []ChatEntry          `json:"chatHistory"`
	MainProblem      string               `json:"mainProblem,omitempty"`
	MainProblemID    string               `json:"mainProblemId,omitempty"`
	ChallengeProblem string               `json:"challengeProblem,omitempty"`
	ChallengeID      string               `json:"challengeProblemId,omitempty"`
	ShortProblem     string               `json:"shortProblem,omitempty"`
	VocabAnswers     string               `json:"vocabAnswers,omitempty"`
}

// LatestOCR returns the newest OCR result for step, or nil.
func (e *EssayState) LatestOCR(step int) *OCRResult {
	for i := len(e.OCRResults) - 1; i >= 0; i-- {
		if e.OCRResults[i].Step == step {
			return &e.OCRResults[i]
		}
	}
	return nil
}

// LatestImage returns the newest uploaded image for step, or nil.
func (e *EssayState) LatestImage(step int) *UploadedImage {
	for i := len(e.UploadedImages) - 1; i >= 0; i-- {
		if e.UploadedImages[i].Step == step {
			return &e.UploadedImages[i]
		}
	}
	return nil
}

// AwaitingOCR reports whether the newest upload for step was made after the
// newest OCR result for step, or has not been read at all.
func (e *EssayState) AwaitingOCR(step int) bool {
	img := e.LatestImage(step)
	if img == nil {
		return false
	}
	ocr := e.LatestOCR(step)
	return ocr == nil || img.UploadedAt.After(ocr.ProcessedAt)
}

// MarkStep sets the status of a lesson step.
func (e *EssayState) MarkStep(step int, state StepState) {
	if e.StepStatus == nil {
		e.StepStatus = make(map[string]StepState)
	}
	e.StepStatus[strconv.Itoa(step)] = state
}

// StepStateOf returns the status of a lesson step.
func (e *EssayState) StepStateOf(step int) StepState {
	return e.StepStatus[strconv.Itoa(step)]
}

// Finished reports whether the final lesson step is completed.
func (e *EssayState) Finished() bool {
	return e.StepStateOf(EssayStepCount) == StepCompleted
}

// IsFocused reports whether the lesson uses one of the focused formats.
func (e *EssayState) IsFocused() bool {
	return e.LessonFormat == FormatVocabularyFocus || e.LessonFormat == FormatShortEssayFocus
}

func (e EssayState) clone() EssayState {
	out := e
	out.StepStatus = maps.Clone(e.StepStatus)
	out.UploadedImages = slices.Clone(e.UploadedImages)
	out.OCRResults = make([]OCRResult, len(e.OCRResults))
	for i, r := range e.OCRResults {
		r.Issues = slices.Clone(r.Issues)
		out.OCRResults[i] = r
	}
	out.Feedbacks = make([]Feedback, len(e.Feedbacks))
	for i, f := range e.Feedbacks {
		f.GoodPoints = slices.Clone(f.GoodPoints)
		f.Improvements = slices.Clone(f.Improvements)
		f.NextSteps = slices.Clone(f.NextSteps)
		out.Feedbacks[i] = f
	}
	out.ChatHistory = slices.Clone(e.ChatHistory)
	return out
}
