package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/studypartner/internal/domain"
)

// SchemaVersion is the version written by EncodeSession.
//
// Version 1 is the legacy flat guided-session shape: no version field, the
// guided fields at the top level, and statuses "similar" / "completed".
const SchemaVersion = 2

type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Session       *domain.Session `json:"session"`
}

type versionProbe struct {
	SchemaVersion int `json:"schemaVersion"`
}

type legacySession struct {
	SessionID           string           `json:"sessionId"`
	StudentID           string           `json:"studentId"`
	Status              string           `json:"status"`
	CurrentStep         int              `json:"currentStep"`
	Steps               []domain.Step    `json:"steps"`
	ConfirmationProblem *domain.Problem  `json:"confirmationProblem"`
	SimilarProblems     []domain.Problem `json:"similarProblems"`
	Analysis            string           `json:"analysis"`
	CreatedAt           string           `json:"createdAt"`
	UpdatedAt           string           `json:"updatedAt"`
}

// EncodeSession serializes a session into its durable row.
func EncodeSession(s *domain.Session) (*SessionRow, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	data, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Session: s})
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	return &SessionRow{
		ID:            s.ID,
		Kind:          string(s.Kind),
		StudentID:     s.StudentID,
		Status:        s.Status(),
		CurrentStep:   s.CurrentStep(),
		SchemaVersion: SchemaVersion,
		Data:          data,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}, nil
}

// DecodeSession deserializes a durable row, migrating older schema versions.
// Malformed or unknown-version blobs are reported as domain Corrupt errors.
func DecodeSession(row *SessionRow) (*domain.Session, error) {
	const op = "decode session"

	var probe versionProbe
	if err := json.Unmarshal(row.Data, &probe); err != nil {
		return nil, domain.Corrupt(op, domain.CodeInvalidSession, err)
	}

	var s *domain.Session
	switch {
	case probe.SchemaVersion == 0:
		legacy, err := decodeLegacy(row.Data)
		if err != nil {
			return nil, corruptFrom(op, err)
		}
		s = legacy
	case probe.SchemaVersion == SchemaVersion:
		var env envelope
		if err := json.Unmarshal(row.Data, &env); err != nil {
			return nil, corruptFrom(op, err)
		}
		if env.Session == nil {
			return nil, domain.Corrupt(op, domain.CodeInvalidSession, errors.New("missing session payload"))
		}
		s = env.Session
	default:
		return nil, domain.Corrupt(op, domain.CodeInvalidSession,
			fmt.Errorf("unsupported schema version %d", probe.SchemaVersion))
	}

	if s.ID == "" {
		s.ID = row.ID
	}
	if s.ID != row.ID {
		return nil, domain.Corrupt(op, domain.CodeInvalidSession,
			fmt.Errorf("blob id %q does not match row id %q", s.ID, row.ID))
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = row.CreatedAt
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = row.UpdatedAt
	}
	if err := s.Validate(); err != nil {
		return nil, domain.Corrupt(op, domain.CodeInvalidSession, err)
	}
	return s, nil
}

func decodeLegacy(data []byte) (*domain.Session, error) {
	var l legacySession
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}

	status := domain.Status(l.Status)
	switch l.Status {
	case "similar":
		status = domain.StatusSimilarProblems
	case "completed":
		status = domain.StatusFullyCompleted
	}

	s := &domain.Session{
		ID:        l.SessionID,
		StudentID: l.StudentID,
		Kind:      domain.SessionKindGuided,
		Guided: &domain.GuidedState{
			Status:              status,
			CurrentStep:         l.CurrentStep,
			Steps:               l.Steps,
			ConfirmationProblem: l.ConfirmationProblem,
			SimilarProblems:     l.SimilarProblems,
			Analysis:            l.Analysis,
		},
	}
	s.CreatedAt = parseLegacyTime(l.CreatedAt)
	s.UpdatedAt = parseLegacyTime(l.UpdatedAt)
	return s, nil
}

func parseLegacyTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// corruptFrom classifies a JSON decode failure. A similarProblems field of
// the wrong shape gets its own code so callers can report it precisely.
func corruptFrom(op string, err error) *domain.Error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && strings.Contains(typeErr.Field, "similarProblems") {
		return domain.Corrupt(op, domain.CodeInvalidSimilarProblems, err)
	}
	return domain.Corrupt(op, domain.CodeInvalidSession, err)
}
