package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/studypartner/internal/domain"
	"github.com/ashureev/studypartner/internal/essay"
)

type fakeChatter struct {
	mu   sync.Mutex
	reqs []essay.ChatRequest
}

func (f *fakeChatter) Chat(_ context.Context, req essay.ChatRequest) (*essay.ChatResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if req.Message == "missing" {
		return nil, domain.NotFound("essay chat", domain.CodeSessionNotFound)
	}
	return &essay.ChatResponse{
		SessionID:     req.SessionID,
		Response:      "echo: " + req.Message,
		StepCompleted: req.Message == "確認完了",
		CurrentStep:   req.CurrentStep,
	}, nil
}

func newServer(t *testing.T, chatter Chatter, hub *Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ws/essay/{sessionId}", NewHandler(chatter, hub, "*", true).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/essay/" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, in inbound) outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out outbound
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestChatOverWebSocket(t *testing.T) {
	t.Parallel()
	chatter := &fakeChatter{}
	srv := newServer(t, chatter, NewHub())
	conn := dial(t, srv, "session_1")

	out := roundTrip(t, conn, inbound{Type: "chat", Message: "確認完了", CurrentStep: 1})
	if out.Type != "reply" || out.Response != "echo: 確認完了" || !out.StepCompleted {
		t.Fatalf("reply = %+v", out)
	}
	if out.SessionID != "session_1" {
		t.Fatalf("session id = %q, want session_1", out.SessionID)
	}

	if out := roundTrip(t, conn, inbound{Type: "ping"}); out.Type != "pong" {
		t.Fatalf("ping reply = %+v", out)
	}
}

func TestChatErrorsAreFrames(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeChatter{}, NewHub())
	conn := dial(t, srv, "session_1")

	out := roundTrip(t, conn, inbound{Type: "chat", Message: "missing", CurrentStep: 1})
	if out.Type != "error" || out.Error != domain.CodeSessionNotFound {
		t.Fatalf("error frame = %+v", out)
	}
	if out.Message == "" || strings.Contains(out.Message, "essay chat") {
		t.Fatalf("error message leaks internals: %q", out.Message)
	}

	out = roundTrip(t, conn, inbound{Type: "bogus"})
	if out.Type != "error" || out.Error != domain.CodeInvalidRequest {
		t.Fatalf("unknown frame reply = %+v", out)
	}
}

func TestHubTracksConnections(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	srv := newServer(t, &fakeChatter{}, hub)
	conn := dial(t, srv, "session_1")
	roundTrip(t, conn, inbound{Type: "ping"})

	if n := hub.Len(); n != 1 {
		t.Fatalf("hub.Len() = %d, want 1", n)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
