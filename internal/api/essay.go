package api

import (
	"net/http"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/essay"
	"github.com/ashureev/studypartner/internal/identity"
)

type essayInitRequest struct {
	StudentID     string `json:"studentId" validate:"omitempty,max=128"`
	TargetLevel   string `json:"targetLevel" validate:"required,max=32"`
	LessonFormat  string `json:"lessonFormat" validate:"required,oneof=full_55min vocabulary_focus short_essay_focus"`
	ProblemMode   string `json:"problemMode" validate:"required,oneof=ai theme problem"`
	CustomInput   string `json:"customInput" validate:"max=4000"`
	LearningStyle string `json:"learningStyle" validate:"omitempty,max=32"`
}

type essayInitResponse struct {
	SessionID    string                      `json:"sessionId"`
	LessonFormat string                      `json:"lessonFormat"`
	ProblemMode  string                      `json:"problemMode"`
	CurrentStep  int                         `json:"currentStep"`
	StepStatus   map[string]domain.StepState `json:"stepStatus"`
}

type essayChatRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	Message     string `json:"message" validate:"required,max=8000"`
	CurrentStep int    `json:"currentStep" validate:"required,min=1,max=6"`
}

type uploadImageRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Step      int    `json:"step" validate:"required,min=1,max=6"`
	ImageData string `json:"imageData" validate:"required,startswith=data:image/"`
}

type ocrRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Step      int    `json:"step" validate:"min=0,max=6"`
	ImageData string `json:"imageData" validate:"omitempty,startswith=data:image/"`
}

type feedbackRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Step      int    `json:"step" validate:"min=0,max=6"`
}

type nextStepRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// EssayInit creates an essay-coaching session.
func (h *Handler) EssayInit(w http.ResponseWriter, r *http.Request) {
	var req essayInitRequest
	if !h.decode(w, r, "init essay session", &req) {
		return
	}
	studentID := req.StudentID
	if studentID == "" {
		studentID = identity.StudentIDFromContext(r.Context())
	}

	s, err := h.essay.InitSession(r.Context(), essay.InitRequest{
		StudentID:     studentID,
		TargetLevel:   req.TargetLevel,
		LessonFormat:  req.LessonFormat,
		ProblemMode:   req.ProblemMode,
		CustomInput:   req.CustomInput,
		LearningStyle: req.LearningStyle,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, essayInitResponse{
		SessionID:    s.ID,
		LessonFormat: s.Essay.LessonFormat,
		ProblemMode:  s.Essay.ProblemMode,
		CurrentStep:  s.Essay.CurrentStep,
		StepStatus:   s.Essay.StepStatus,
	})
}

// EssayChat runs one chat turn.
func (h *Handler) EssayChat(w http.ResponseWriter, r *http.Request) {
	var req essayChatRequest
	if !h.decode(w, r, "essay chat", &req) {
		return
	}
	res, err := h.essay.Chat(r.Context(), essay.ChatRequest{SessionID: req.SessionID, Message: req.Message, CurrentStep: req.CurrentStep})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// EssayUploadImage stores a manuscript photo.
func (h *Handler) EssayUploadImage(w http.ResponseWriter, r *http.Request) {
	var req uploadImageRequest
	if !h.decode(w, r, "upload image", &req) {
		return
	}
	n, err := h.essay.UploadImage(r.Context(), req.SessionID, req.Step, req.ImageData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessionId": req.SessionID, "step": req.Step, "imageCount": n})
}

// EssayOCR reads a manuscript photo.
func (h *Handler) EssayOCR(w http.ResponseWriter, r *http.Request) {
	var req ocrRequest
	if !h.decode(w, r, "record ocr", &req) {
		return
	}
	res, err := h.essay.RecordOCR(r.Context(), req.SessionID, req.Step, req.ImageData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessionId": req.SessionID, "ocrResult": res})
}

// EssayFeedback reviews the newest manuscript text.
func (h *Handler) EssayFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !h.decode(w, r, "generate feedback", &req) {
		return
	}
	fb, err := h.essay.GenerateFeedback(r.Context(), req.SessionID, req.Step)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessionId": req.SessionID, "feedback": fb})
}

// EssayNextStep completes the current lesson step.
func (h *Handler) EssayNextStep(w http.ResponseWriter, r *http.Request) {
	var req nextStepRequest
	if !h.decode(w, r, "advance step", &req) {
		return
	}
	p, err := h.essay.AdvanceStep(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, p)
}
