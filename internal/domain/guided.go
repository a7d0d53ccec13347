package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the guided-step progression state.
type Status string

const (
	StatusLearning        Status = "learning"
	StatusConfirmation    Status = "confirmation"
	StatusSimilarProblems Status = "similar_problems"
	StatusFullyCompleted  Status = "fully_completed"
)

// Rank orders statuses along the forward-only progression. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusLearning:
		return 0
	case StatusConfirmation:
		return 1
	case StatusSimilarProblems:
		return 2
	case StatusFullyCompleted:
		return 3
	default:
		return -1
	}
}

// AnswerType is the answer form of a step or problem.
type AnswerType string

const (
	AnswerChoice AnswerType = "choice"
	AnswerInput  AnswerType = "input"
)

// Attempt is one evaluated answer submission.
type Attempt struct {
	Answer    string    `json:"answer"`
	IsCorrect bool      `json:"isCorrect"`
	Timestamp time.Time `json:"timestamp"`
}

// Step is one guided-learning unit.
type Step struct {
	StepNumber    int        `json:"stepNumber"`
	Instruction   string     `json:"instruction"`
	Type          AnswerType `json:"type"`
	Options       []string   `json:"options,omitempty"`
	CorrectAnswer string     `json:"correctAnswer"`
	Explanation   string     `json:"explanation"`
	Hint          string     `json:"hint,omitempty"`
	Completed     bool       `json:"completed"`
	Attempts      []Attempt  `json:"attempts"`
}

// Problem is a confirmation or similar problem.
type Problem struct {
	ProblemNumber  int        `json:"problemNumber,omitempty"`
	Question       string     `json:"question"`
	Type           AnswerType `json:"type"`
	Options        []string   `json:"options,omitempty"`
	CorrectAnswer  string     `json:"correctAnswer,omitempty"`
	CorrectAnswers []string   `json:"correctAnswers,omitempty"`
	Explanation    string     `json:"explanation"`
	Difficulty     string     `json:"difficulty,omitempty"`
	Attempts       []Attempt  `json:"attempts"`
}

// Evaluate reports whether answer exactly matches the step's correct answer.
func (s *Step) Evaluate(answer string) bool {
	return answer == s.CorrectAnswer
}

// Evaluate reports whether answer is correct for this problem.
// Choice problems use exact match, input problems accept any trimmed
// member of CorrectAnswers.
func (p *Problem) Evaluate(answer string) bool {
	if p.Type == AnswerInput {
		trimmed := strings.TrimSpace(answer)
		for _, candidate := range p.CorrectAnswers {
			if strings.TrimSpace(candidate) == trimmed {
				return true
			}
		}
		return false
	}
	return answer == p.CorrectAnswer
}

// DisplayAnswer is the answer shown to the student after a wrong attempt.
func (p *Problem) DisplayAnswer() string {
	if p.Type == AnswerInput && len(p.CorrectAnswers) > 0 {
		return p.CorrectAnswers[0]
	}
	return p.CorrectAnswer
}

// Solved reports whether any attempt was correct.
func (p *Problem) Solved() bool {
	return slices.ContainsFunc(p.Attempts, func(a Attempt) bool { return a.IsCorrect })
}

// GuidedState is the payload of a guided-step session.
type GuidedState struct {
	Status              Status    `json:"status"`
	CurrentStep         int       `json:"currentStep"`
	Steps               []Step    `json:"steps"`
	ConfirmationProblem *Problem  `json:"confirmationProblem,omitempty"`
	SimilarProblems     []Problem `json:"similarProblems"`
	Subject             string    `json:"subject,omitempty"`
	ProblemText         string    `json:"problemText,omitempty"`
	Analysis            string    `json:"analysis,omitempty"`
}

// StepIndex returns the slice index of the step with the given number, or -1.
func (g *GuidedState) StepIndex(stepNumber int) int {
	return slices.IndexFunc(g.Steps, func(s Step) bool { return s.StepNumber == stepNumber })
}

// SolvedSimilar counts similar problems with at least one correct attempt.
func (g *GuidedState) SolvedSimilar() int {
	n := 0
	for i := range g.SimilarProblems {
		if g.SimilarProblems[i].Solved() {
			n++
		}
	}
	return n
}

func (g *GuidedState) validate() error {
	if g.Status.Rank() < 0 {
		return fmt.Errorf("unknown status %q", g.Status)
	}
	if g.Status == StatusLearning && (g.CurrentStep < 0 || g.CurrentStep >= len(g.Steps)) {
		return fmt.Errorf("current step %d out of range for %d steps", g.CurrentStep, len(g.Steps))
	}
	return nil
}

func (g GuidedState) clone() GuidedState {
	out := g
	out.Steps = make([]Step, len(g.Steps))
	for i, s := range g.Steps {
		s.Options = slices.Clone(s.Options)
		s.Attempts = slices.Clone(s.Attempts)
		out.Steps[i] = s
	}
	if g.ConfirmationProblem != nil {
		p := g.ConfirmationProblem.clone()
		out.ConfirmationProblem = &p
	}
	out.SimilarProblems = make([]Problem, len(g.SimilarProblems))
	for i, p := range g.SimilarProblems {
		out.SimilarProblems[i] = p.clone()
	}
	return out
}

func (p Problem) clone() Problem {
	out := p
	out.Options = slices.Clone(p.Options)
	out.CorrectAnswers = slices.Clone(p.CorrectAnswers)
	out.Attempts = slices.Clone(p.Attempts)
	return out
}
