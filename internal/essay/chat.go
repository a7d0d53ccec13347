package essay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/transcript"
)

// ChatRequest is one student message.
type ChatRequest struct {
	SessionID   string
	Message     string
	CurrentStep int
}

// ChatResponse is the coach's reply. StepStatus reflects the persisted
// session after the turn.
type ChatResponse struct {
	SessionID     string                      `json:"sessionId"`
	Response      string                      `json:"response"`
	StepCompleted bool                        `json:"stepCompleted"`
	CurrentStep   int                         `json:"currentStep"`
	StepStatus    map[string]domain.StepState `json:"stepStatus"`
}

// Chat classifies the message against the current step's rules and applies
// the first match. The turn, including any generated material and the chat
// history, is persisted before Chat returns; a failed turn leaves the
// session untouched.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	const op = "essay chat"
	msg := strings.TrimSpace(req.Message)
	if req.SessionID == "" {
		return nil, domain.Validation(op, "sessionId is required")
	}
	if msg == "" {
		return nil, domain.Validation(op, "message is required")
	}
	if err := validStep(op, req.CurrentStep); err != nil {
		return nil, err
	}

	var (
		resp     ChatResponse
		ruleName string
		result   outcome
	)
	s, err := e.sessions.Mutate(ctx, req.SessionID, func(s *domain.Session) error {
		es, err := essayState(op, s)
		if err != nil {
			return err
		}
		t := &turn{session: s, essay: es, step: req.CurrentStep, msg: msg}
		ruleName, result, err = dispatch(ctx, e.rulesFor(es, req.CurrentStep), t)
		if err != nil {
			return err
		}

		now := e.now()
		es.ChatHistory = append(es.ChatHistory,
			domain.ChatEntry{Step: req.CurrentStep, Role: "user", Content: msg, Timestamp: now},
			domain.ChatEntry{Step: req.CurrentStep, Role: "assistant", Content: result.response, Timestamp: now},
		)
		es.CurrentStep = req.CurrentStep
		if result.completed {
			es.MarkStep(req.CurrentStep, domain.StepCompleted)
		} else if es.StepStateOf(req.CurrentStep) == "" {
			es.MarkStep(req.CurrentStep, domain.StepInProgress)
		}

		resp = ChatResponse{
			SessionID:     s.ID,
			Response:      result.response,
			StepCompleted: result.completed,
			CurrentStep:   es.CurrentStep,
			StepStatus:    es.StepStatus,
		}
		return nil
	})
	if err != nil {
		slog.Warn("Essay chat turn failed", "session_id", req.SessionID, "step", req.CurrentStep, "rule", ruleName, "error", err)
		return nil, err
	}

	if result.completed {
		e.metrics.Transition(machineName, fmt.Sprintf("step_%d_completed", req.CurrentStep))
	}
	if result.scored {
		e.scoreLibraryProblem(ctx, s, req.CurrentStep, result.score)
	}
	e.logTurn(s, req.CurrentStep, ruleName, msg, result)
	return &resp, nil
}

func (e *Engine) logTurn(s *domain.Session, step int, ruleName, msg string, result outcome) {
	base := transcript.Event{
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		StudentID: s.StudentID,
		SessionID: s.ID,
		Channel:   "essay",
		Step:      step,
	}

	in := base
	in.Direction = "in"
	in.EventType = "student_message"
	in.ContentRaw = msg
	in.Content = transcript.Clean(msg)
	e.transcript.Log(in)

	out := base
	out.Direction = "out"
	out.EventType = "coach_reply"
	out.ContentRaw = result.response
	out.Content = transcript.Clean(result.response)
	out.Meta = map[string]any{"rule": ruleName, "step_completed": result.completed}
	e.transcript.Log(out)
}
