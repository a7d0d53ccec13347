// Package realtime carries essay chat over WebSocket connections.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks the live connection of each student's essay session. A new
// connection for the same session replaces the old one.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[string]*websocket.Conn)}
}

// Active returns the live connection for a student session, or nil.
func (h *Hub) Active(studentID, sessionID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[studentID][sessionID]
}

// Register records conn for a student session, closing any connection it replaces.
func (h *Hub) Register(studentID, sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[studentID]; !ok {
		h.active[studentID] = make(map[string]*websocket.Conn)
	}
	if existing, ok := h.active[studentID][sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	h.active[studentID][sessionID] = conn
	slog.Info("Essay chat connection registered", "student_id", studentID, "session_id", sessionID)
}

// Unregister removes conn if it is still the live connection.
func (h *Hub) Unregister(studentID, sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.active[studentID]
	if !ok {
		return
	}
	if current, ok := sessions[sessionID]; ok && current == conn {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.active, studentID)
		}
		slog.Info("Essay chat connection unregistered", "student_id", studentID, "session_id", sessionID)
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sessions := range h.active {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every live connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for studentID, sessions := range h.active {
		for sid, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			slog.Info("Essay chat connection closed", "student_id", studentID, "session_id", sid)
		}
	}
	h.active = make(map[string]map[string]*websocket.Conn)
}
