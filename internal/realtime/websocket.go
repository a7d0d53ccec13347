package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/essay"
	"github.com/ashureev/studypartner/internal/identity"
)

// Chatter runs one essay chat turn.
type Chatter interface {
	Chat(ctx context.Context, req essay.ChatRequest) (*essay.ChatResponse, error)
}

// Handler serves /ws/essay/{sessionId}.
type Handler struct {
	engine        Chatter
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket chat handler.
func NewHandler(engine Chatter, hub *Hub, allowedOrigin string, isDev bool) *Handler {
	return &Handler{engine: engine, hub: hub, allowedOrigin: allowedOrigin, isDev: isDev}
}

// inbound is a client frame.
type inbound struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	CurrentStep int    `json:"currentStep,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type          string                      `json:"type"`
	SessionID     string                      `json:"sessionId,omitempty"`
	Response      string                      `json:"response,omitempty"`
	StepCompleted bool                        `json:"stepCompleted,omitempty"`
	CurrentStep   int                         `json:"currentStep,omitempty"`
	StepStatus    map[string]domain.StepState `json:"stepStatus,omitempty"`
	Error         string                      `json:"error,omitempty"`
	Message       string                      `json:"message,omitempty"`
}

// ServeHTTP upgrades the request and answers chat frames until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.hub.Register(studentID, sessionID, ws)
	defer h.hub.Unregister(studentID, sessionID, ws)

	h.readLoop(r.Context(), ws, sessionID)
	slog.Info("Essay chat connection ended", "student_id", studentID, "session_id", sessionID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var out outbound
		switch msg.Type {
		case "ping":
			out = outbound{Type: "pong"}
		case "chat":
			out = h.chat(ctx, sessionID, msg)
		default:
			out = outbound{Type: "error", Error: domain.CodeInvalidRequest, Message: "unknown message type"}
		}

		if err := wsjson.Write(ctx, ws, out); err != nil {
			slog.Debug("WebSocket write error", "error", err, "session_id", sessionID)
			return
		}
	}
}

func (h *Handler) chat(ctx context.Context, sessionID string, msg inbound) outbound {
	resp, err := h.engine.Chat(ctx, essay.ChatRequest{SessionID: sessionID, Message: msg.Message, CurrentStep: msg.CurrentStep})
	if err != nil {
		return outbound{Type: "error", SessionID: sessionID, Error: domain.CodeOf(err), Message: domain.Message(err)}
	}
	return outbound{
		Type:          "reply",
		SessionID:     resp.SessionID,
		Response:      resp.Response,
		StepCompleted: resp.StepCompleted,
		CurrentStep:   resp.CurrentStep,
		StepStatus:    resp.StepStatus,
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
