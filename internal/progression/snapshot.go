package progression

import (
	"context"

	"github.com/ashureev/studypartner/internal/domain"
)

// Snapshot is the progress view of a session.
type Snapshot struct {
	SessionID         string              `json:"sessionId"`
	Kind              domain.SessionKind  `json:"kind"`
	Status            string              `json:"status"`
	CurrentStep       int                 `json:"currentStep"`
	TotalSteps        int                 `json:"totalSteps"`
	CompletedSteps    int                 `json:"completedSteps"`
	CompletedProblems int                 `json:"completedProblems"`
	TotalProblems     int                 `json:"totalProblems"`
	Guided            *domain.GuidedState `json:"guided,omitempty"`
	Essay             *EssayProgress      `json:"essay,omitempty"`
}

// EssayProgress summarizes an essay session without its image payloads.
type EssayProgress struct {
	LessonFormat string                      `json:"lessonFormat"`
	TargetLevel  string                      `json:"targetLevel"`
	StepStatus   map[string]domain.StepState `json:"stepStatus"`
	Feedbacks    int                         `json:"feedbacks"`
	Messages     int                         `json:"messages"`
}

// Snapshot returns the current progress of any session.
func (m *Machine) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	s, err := m.sessions.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := &Snapshot{
		SessionID:   s.ID,
		Kind:        s.Kind,
		Status:      s.Status(),
		CurrentStep: s.CurrentStep(),
	}
	switch {
	case s.Guided != nil:
		g := s.Guided
		out.Guided = g
		out.TotalSteps = len(g.Steps)
		for _, st := range g.Steps {
			if st.Completed {
				out.CompletedSteps++
			}
		}
		out.CompletedProblems = g.SolvedSimilar()
		out.TotalProblems = len(g.SimilarProblems)
	case s.Essay != nil:
		e := s.Essay
		out.TotalSteps = domain.EssayStepCount
		for _, st := range e.StepStatus {
			if st == domain.StepCompleted {
				out.CompletedSteps++
			}
		}
		out.Essay = &EssayProgress{
			LessonFormat: e.LessonFormat,
			TargetLevel:  e.TargetLevel,
			StepStatus:   e.StepStatus,
			Feedbacks:    len(e.Feedbacks),
			Messages:     len(e.ChatHistory),
		}
	}
	return out, nil
}
