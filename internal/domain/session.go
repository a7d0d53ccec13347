// Package domain defines the study-partner session model.
package domain

import (
	"fmt"
	"time"
)

// SessionKind discriminates the two session variants.
type SessionKind string

const (
	SessionKindGuided SessionKind = "guided"
	SessionKindEssay  SessionKind = "essay"
)

// Session is one learning attempt. Exactly one of Guided or Essay is set,
// matching Kind.
type Session struct {
	ID        string      `json:"sessionId"`
	StudentID string      `json:"studentId,omitempty"`
	Kind      SessionKind `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`

	Guided *GuidedState `json:"guided,omitempty"`
	Essay  *EssayState  `json:"essay,omitempty"`
}

// NewGuidedSession returns a guided-step session in the learning state.
func NewGuidedSession(studentID string, state GuidedState) *Session {
	if state.Status == "" {
		state.Status = StatusLearning
	}
	return &Session{
		StudentID: studentID,
		Kind:      SessionKindGuided,
		Guided:    &state,
	}
}

// NewEssaySession returns an essay-coaching session positioned at step 1.
func NewEssaySession(studentID string, state EssayState) *Session {
	if state.CurrentStep == 0 {
		state.CurrentStep = 1
	}
	if state.StepStatus == nil {
		state.StepStatus = map[string]StepState{"1": StepInProgress}
	}
	return &Session{
		StudentID: studentID,
		Kind:      SessionKindEssay,
		Essay:     &state,
	}
}

// Validate checks that the payload matches the session kind and that the
// guided-step invariants hold.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is empty")
	}
	switch s.Kind {
	case SessionKindGuided:
		if s.Guided == nil || s.Essay != nil {
			return fmt.Errorf("guided session %s has mismatched payload", s.ID)
		}
		return s.Guided.validate()
	case SessionKindEssay:
		if s.Essay == nil || s.Guided != nil {
			return fmt.Errorf("essay session %s has mismatched payload", s.ID)
		}
		return nil
	default:
		return fmt.Errorf("session %s has unknown kind %q", s.ID, s.Kind)
	}
}

// Status returns a single status label for indexing in the durable store.
func (s *Session) Status() string {
	switch {
	case s.Guided != nil:
		return string(s.Guided.Status)
	case s.Essay != nil:
		if s.Essay.Finished() {
			return string(StatusFullyCompleted)
		}
		return "essay_in_progress"
	default:
		return ""
	}
}

// CurrentStep returns the variant's current step for indexing.
func (s *Session) CurrentStep() int {
	switch {
	case s.Guided != nil:
		return s.Guided.CurrentStep
	case s.Essay != nil:
		return s.Essay.CurrentStep
	default:
		return 0
	}
}

// Clone returns a deep copy so callers can mutate without touching the cached object.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Guided != nil {
		g := s.Guided.clone()
		out.Guided = &g
	}
	if s.Essay != nil {
		e := s.Essay.clone()
		out.Essay = &e
	}
	return &out
}
