package progression

import (
	"strings"

	"github.com/ashureev/studypartner/internal/domain"
)

const minChoiceOptions = 4

var (
	defaultStepOptions = []string{
		"A) 基礎的な概念を確認する",
		"B) 中程度の理解を示す",
		"C) 応用的な考え方をする",
		"D) 発展的な解法を選ぶ",
	}
	defaultConfirmationOptions = []string{
		"A) よく理解できた",
		"B) 少し理解できた",
		"C) もう一度説明が欲しい",
		"D) 全く分からない",
	}
	defaultSimilarOptions = []string{
		"A) 基本的な解法",
		"B) 標準的なアプローチ",
		"C) 応用的な考え方",
		"D) 発展的な解法",
	}
)

const (
	defaultConfirmationQuestion    = "確認問題: 学習内容を理解できましたか？"
	defaultConfirmationExplanation = "素晴らしい！理解が深まりましたね。"
	placeholderInputAnswer         = "計算過程を記述してください"
)

// normalizeState forces generated or supplied content into the shape the
// machine can evaluate. Steps are always multiple choice, a confirmation
// problem always exists, and every similar problem has something to match.
func normalizeState(g *domain.GuidedState) {
	g.Status = domain.StatusLearning
	g.CurrentStep = 0

	for i := range g.Steps {
		s := &g.Steps[i]
		if s.StepNumber <= 0 {
			s.StepNumber = i + 1
		}
		if s.Type != domain.AnswerChoice || len(s.Options) < minChoiceOptions {
			s.Type = domain.AnswerChoice
			s.Options = append([]string(nil), defaultStepOptions...)
			s.CorrectAnswer = "A"
		}
		s.CorrectAnswer = strings.TrimSpace(s.CorrectAnswer)
		s.Completed = false
		s.Attempts = []domain.Attempt{}
	}

	g.ConfirmationProblem = normalizeConfirmation(g.ConfirmationProblem)

	for i := range g.SimilarProblems {
		p := &g.SimilarProblems[i]
		if p.ProblemNumber <= 0 {
			p.ProblemNumber = i + 1
		}
		switch p.Type {
		case domain.AnswerInput:
			if len(p.CorrectAnswers) == 0 {
				p.CorrectAnswers = []string{placeholderInputAnswer}
			}
		case domain.AnswerChoice:
			if len(p.Options) < minChoiceOptions {
				p.Options = append([]string(nil), defaultSimilarOptions...)
				p.CorrectAnswer = "A"
			}
		default:
			p.Type = domain.AnswerChoice
			p.Options = append([]string(nil), defaultSimilarOptions...)
			p.CorrectAnswer = "A"
		}
		p.Attempts = []domain.Attempt{}
	}
	if g.SimilarProblems == nil {
		g.SimilarProblems = []domain.Problem{}
	}
}

func normalizeConfirmation(p *domain.Problem) *domain.Problem {
	def := &domain.Problem{
		Question:      defaultConfirmationQuestion,
		Type:          domain.AnswerChoice,
		Options:       append([]string(nil), defaultConfirmationOptions...),
		CorrectAnswer: "A",
		Explanation:   defaultConfirmationExplanation,
		Attempts:      []domain.Attempt{},
	}
	if p == nil {
		return def
	}
	if p.Type != domain.AnswerChoice || len(p.Options) < minChoiceOptions || p.CorrectAnswer == "" {
		if p.Question != "" {
			def.Question = p.Question
		}
		if p.Explanation != "" {
			def.Explanation = p.Explanation
		}
		return def
	}
	out := *p
	out.Attempts = []domain.Attempt{}
	return &out
}
