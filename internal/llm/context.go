package llm

import "context"

type contextKey string

const purposeKey contextKey = "llm_purpose"

// Purpose labels used by the call sites, reported in metrics.
const (
	PurposeGuidedSteps   = "guided_steps"
	PurposeTheme         = "essay_theme"
	PurposeQuestions     = "essay_questions"
	PurposeModelAnswer   = "essay_model_answer"
	PurposeAnswerReview  = "essay_answer_review"
	PurposeVocabExercise = "essay_vocab_exercise"
	PurposeShortProblem  = "essay_short_problem"
	PurposeMainProblem   = "essay_main_problem"
	PurposeChallenge     = "essay_challenge"
	PurposeOCR           = "essay_ocr"
	PurposeFeedback      = "essay_feedback"
)

// WithPurpose attaches a purpose label to the context.
func WithPurpose(ctx context.Context, purpose string) context.Context {
	return context.WithValue(ctx, purposeKey, purpose)
}

// PurposeFrom extracts the purpose label from the context.
func PurposeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(purposeKey).(string); ok {
		return v
	}
	return "unknown"
}
