// Package api provides HTTP handlers for the study-partner API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/essay"
	"github.com/ashureev/studypartner/internal/library"
	"github.com/ashureev/studypartner/internal/progression"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
// Essay uploads carry base64 images, so the default is generous.
const DefaultMaxBodyBytes = 10 << 20

const codeRequestTooLarge = "request_too_large"

// Handler serves the tutoring API.
type Handler struct {
	guided   *progression.Machine
	essay    *essay.Engine
	library  *library.Cache
	validate *validator.Validate
	maxBody  int64
}

// NewHandler creates a Handler. lib may be nil when the problem library is
// disabled.
func NewHandler(guided *progression.Machine, coach *essay.Engine, lib *library.Cache, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		guided:   guided,
		essay:    coach,
		library:  lib,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxBody:  maxBody,
	}
}

// errorBody is the JSON body of every failed request.
type errorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindUpstreamGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes the student-facing error body. Internal
// details stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	attrs := []any{"request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path, "status", status, "error", err}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", attrs...)
	} else {
		slog.Warn("Request rejected", attrs...)
	}
	JSON(w, status, errorBody{OK: false, Error: domain.CodeOf(err), Message: domain.Message(err)})
}

// decode reads a size-limited JSON body into v and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Request body too large", "path", r.URL.Path, "limit", tooLarge.Limit)
			JSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error:   codeRequestTooLarge,
				Message: "送信データが大きすぎます。画像のサイズを小さくしてください。",
			})
			return false
		}
		writeError(w, r, domain.Validation(op, "decode body: %v", err))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, r, domain.Validation(op, "%s", describeValidation(err)))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
