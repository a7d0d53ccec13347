// Package progression implements the guided-step state machine:
// learning → confirmation → similar_problems → fully_completed.
// Status only moves forward and attempt logs only grow.
package progression

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/llm"
	"github.com/ashureev/studypartner/internal/metrics"
	"github.com/ashureev/studypartner/internal/session"
)

// Next actions reported to the client.
const (
	ActionRetry           = "retry"
	ActionNextStep        = "next_step"
	ActionConfirmation    = "confirmation"
	ActionSimilarProblems = "similar_problems"
	ActionNextProblem     = "next_problem"
	ActionAllCompleted    = "all_completed"
)

const machineName = "guided"

// StepResult is the outcome of CheckStep.
type StepResult struct {
	SessionID           string          `json:"sessionId"`
	StepNumber          int             `json:"stepNumber"`
	IsCorrect           bool            `json:"isCorrect"`
	Feedback            string          `json:"feedback"`
	NextAction          string          `json:"nextAction"`
	NextStep            *domain.Step    `json:"nextStep"`
	ConfirmationProblem *domain.Problem `json:"confirmationProblem"`
	CurrentStepNumber   int             `json:"currentStepNumber"`
	TotalSteps          int             `json:"totalSteps"`
}

// ConfirmationResult is the outcome of CheckConfirmation.
type ConfirmationResult struct {
	SessionID  string `json:"sessionId"`
	IsCorrect  bool   `json:"isCorrect"`
	Feedback   string `json:"feedback"`
	NextAction string `json:"nextAction"`
}

// SimilarResult is the outcome of CheckSimilar.
type SimilarResult struct {
	SessionID         string `json:"sessionId"`
	ProblemNumber     int    `json:"problemNumber"`
	IsCorrect         bool   `json:"isCorrect"`
	Feedback          string `json:"feedback"`
	NextAction        string `json:"nextAction"`
	CompletedProblems int    `json:"completedProblems"`
	TotalProblems     int    `json:"totalProblems"`
}

// Machine evaluates answers and advances guided sessions.
type Machine struct {
	sessions  *session.Cache
	completer *llm.Completer
	metrics   *metrics.Recorder
	clock     func() time.Time
}

// New creates a Machine.
func New(sessions *session.Cache, completer *llm.Completer, rec *metrics.Recorder) *Machine {
	return &Machine{sessions: sessions, completer: completer, metrics: rec, clock: time.Now}
}

// CheckStep evaluates answer against the step numbered stepNumber.
func (m *Machine) CheckStep(ctx context.Context, sessionID string, stepNumber int, answer string) (*StepResult, error) {
	const op = "check step"
	var (
		res        *StepResult
		transition string
	)

	_, err := m.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
		g, err := guidedState(op, s)
		if err != nil {
			return err
		}
		idx := g.StepIndex(stepNumber)
		if idx < 0 {
			return domain.NotFound(op, domain.CodeStepNotFound)
		}

		step := &g.Steps[idx]
		correct := step.Evaluate(answer)
		step.Attempts = append(step.Attempts, domain.Attempt{Answer: answer, IsCorrect: correct, Timestamp: m.clock()})

		res = &StepResult{
			SessionID:  s.ID,
			StepNumber: stepNumber,
			IsCorrect:  correct,
			Feedback:   stepFeedback(step, correct),
			NextAction: ActionRetry,
		}

		if correct {
			step.Completed = true
			next := idx + 1
			if next >= len(g.Steps) {
				res.NextAction = ActionConfirmation
				if g.Status == domain.StatusLearning {
					g.Status = domain.StatusConfirmation
					g.CurrentStep = len(g.Steps)
					transition = "learning_to_confirmation"
				}
				if g.ConfirmationProblem != nil {
					p := *g.ConfirmationProblem
					res.ConfirmationProblem = &p
				}
			} else {
				res.NextAction = ActionNextStep
				ns := g.Steps[next]
				res.NextStep = &ns
				if g.Status == domain.StatusLearning && next > g.CurrentStep {
					g.CurrentStep = next
				}
			}
		}

		res.CurrentStepNumber = g.CurrentStep
		res.TotalSteps = len(g.Steps)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recordTransition(sessionID, transition)
	slog.Debug("Step checked", "session_id", sessionID, "step", stepNumber, "correct", res.IsCorrect, "next_action", res.NextAction)
	return res, nil
}

// CheckConfirmation evaluates the confirmation problem. It is only
// available once every step has been completed.
func (m *Machine) CheckConfirmation(ctx context.Context, sessionID, answer string) (*ConfirmationResult, error) {
	const op = "check confirmation"
	var (
		res        *ConfirmationResult
		transition string
	)

	_, err := m.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
		g, err := guidedState(op, s)
		if err != nil {
			return err
		}
		if g.ConfirmationProblem == nil || g.Status == domain.StatusLearning {
			return domain.NotFound(op, domain.CodeConfirmationNotFound)
		}

		p := g.ConfirmationProblem
		correct := p.Evaluate(answer)
		p.Attempts = append(p.Attempts, domain.Attempt{Answer: answer, IsCorrect: correct, Timestamp: m.clock()})

		res = &ConfirmationResult{
			SessionID:  s.ID,
			IsCorrect:  correct,
			Feedback:   confirmationFeedback(p, correct),
			NextAction: ActionRetry,
		}
		if correct {
			res.NextAction = ActionSimilarProblems
			if g.Status == domain.StatusConfirmation {
				g.Status = domain.StatusSimilarProblems
				transition = "confirmation_to_similar_problems"
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recordTransition(sessionID, transition)
	return res, nil
}

// CheckSimilar evaluates similar problem problemNumber (1-based). The set
// unlocks once the confirmation problem has been passed.
func (m *Machine) CheckSimilar(ctx context.Context, sessionID string, problemNumber int, answer string) (*SimilarResult, error) {
	const op = "check similar"
	var (
		res        *SimilarResult
		transition string
	)

	_, err := m.sessions.Mutate(ctx, sessionID, func(s *domain.Session) error {
		g, err := guidedState(op, s)
		if err != nil {
			return err
		}
		if g.Status.Rank() < domain.StatusSimilarProblems.Rank() {
			return domain.Conflict(op, domain.CodePhaseLocked, "similar problems unlock after the confirmation problem, session is in %s", g.Status)
		}
		if len(g.SimilarProblems) == 0 {
			return domain.Corrupt(op, domain.CodeInvalidSimilarProblems, errors.New("session has no similar problems"))
		}
		idx := problemNumber - 1
		if idx < 0 || idx >= len(g.SimilarProblems) {
			return domain.NotFound(op, domain.CodeProblemNotFound)
		}

		p := &g.SimilarProblems[idx]
		correct := p.Evaluate(answer)
		p.Attempts = append(p.Attempts, domain.Attempt{Answer: answer, IsCorrect: correct, Timestamp: m.clock()})

		completed := g.SolvedSimilar()
		total := len(g.SimilarProblems)
		res = &SimilarResult{
			SessionID:         s.ID,
			ProblemNumber:     problemNumber,
			IsCorrect:         correct,
			Feedback:          similarFeedback(p, problemNumber, correct),
			NextAction:        ActionRetry,
			CompletedProblems: completed,
			TotalProblems:     total,
		}
		if !correct {
			return nil
		}

		if completed == total {
			res.NextAction = ActionAllCompleted
			res.Feedback += allCompletedSuffix
			if g.Status != domain.StatusFullyCompleted {
				g.Status = domain.StatusFullyCompleted
				transition = "similar_problems_to_fully_completed"
			}
		} else {
			res.NextAction = ActionNextProblem
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recordTransition(sessionID, transition)
	return res, nil
}

func (m *Machine) recordTransition(sessionID, transition string) {
	if transition == "" {
		return
	}
	m.metrics.Transition(machineName, transition)
	slog.Info("Guided session advanced", "session_id", sessionID, "transition", transition)
}

func guidedState(op string, s *domain.Session) (*domain.GuidedState, error) {
	if s.Kind != domain.SessionKindGuided || s.Guided == nil {
		return nil, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeWrongSessionKind, Op: op}
	}
	return s.Guided, nil
}
