package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/studypartner/internal/identity"
	"github.com/ashureev/studypartner/internal/progression"
)

type startSessionRequest struct {
	StudentID   string               `json:"studentId" validate:"omitempty,max=128"`
	Subject     string               `json:"subject" validate:"max=64"`
	ProblemText string               `json:"problemText" validate:"max=10000"`
	Image       string               `json:"image" validate:"omitempty,startswith=data:image/"`
	Message     string               `json:"message" validate:"max=2000"`
	Content     *progression.Content `json:"content"`
}

type stepCheckRequest struct {
	SessionID  string `json:"sessionId" validate:"required"`
	StepNumber int    `json:"stepNumber" validate:"required,min=1"`
	Answer     string `json:"answer" validate:"required,max=2000"`
}

type confirmationCheckRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Answer    string `json:"answer" validate:"required,max=2000"`
}

type similarCheckRequest struct {
	SessionID     string `json:"sessionId" validate:"required"`
	ProblemNumber int    `json:"problemNumber" validate:"required,min=1"`
	Answer        string `json:"answer" validate:"required,max=2000"`
}

// StartSession creates a guided session from a problem or supplied content.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !h.decode(w, r, "start session", &req) {
		return
	}
	studentID := req.StudentID
	if studentID == "" {
		studentID = identity.StudentIDFromContext(r.Context())
	}

	s, err := h.guided.StartSession(r.Context(), progression.StartRequest{
		StudentID:   studentID,
		Subject:     req.Subject,
		ProblemText: req.ProblemText,
		Image:       req.Image,
		Message:     req.Message,
		Content:     req.Content,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.guided.Snapshot(r.Context(), s.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, snap)
}

// GetSession returns a progress snapshot of any session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.guided.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// StepCheck grades a guided step answer.
func (h *Handler) StepCheck(w http.ResponseWriter, r *http.Request) {
	var req stepCheckRequest
	if !h.decode(w, r, "check step", &req) {
		return
	}
	res, err := h.guided.CheckStep(r.Context(), req.SessionID, req.StepNumber, req.Answer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// ConfirmationCheck grades the confirmation problem.
func (h *Handler) ConfirmationCheck(w http.ResponseWriter, r *http.Request) {
	var req confirmationCheckRequest
	if !h.decode(w, r, "check confirmation", &req) {
		return
	}
	res, err := h.guided.CheckConfirmation(r.Context(), req.SessionID, req.Answer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// SimilarCheck grades a similar problem.
func (h *Handler) SimilarCheck(w http.ResponseWriter, r *http.Request) {
	var req similarCheckRequest
	if !h.decode(w, r, "check similar", &req) {
		return
	}
	res, err := h.guided.CheckSimilar(r.Context(), req.SessionID, req.ProblemNumber, req.Answer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
