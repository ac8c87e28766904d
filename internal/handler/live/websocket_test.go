package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	liveModel "github.com/zhouzirui/theme-pulse/backend/internal/model/live"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/hub"
	sessionService "github.com/zhouzirui/theme-pulse/backend/internal/service/session"
)

type incoming struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

func setupServer(t *testing.T) (*httptest.Server, *hub.Hub, string, string) {
	t.Helper()
	svc := sessionService.NewService()
	created, err := svc.CreateSession(context.Background(), "Why Go?")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	h := hub.New(svc, hub.Config{MinResponses: 3, Buffer: 8}, nil)
	r := chi.NewRouter()
	NewWebSocketHandler(h, nil).RegisterRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, h, created.ID, created.AdminToken
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	server, _, id, _ := setupServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "/sessions/"+id+"/ws?admin_token=wrong"), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestWebSocketPushesEvents(t *testing.T) {
	server, h, id, token := setupServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/sessions/"+id+"/ws?admin_token="+token), nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first incoming
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read err: %v", err)
	}
	if first.Type != "status" || first.Data["min_required"] != float64(3) || first.Timestamp == 0 {
		t.Fatalf("unexpected first frame %+v", first)
	}

	h.Publish(id, liveModel.ErrorEvent("retrying", 4, time.Now()))

	var failure incoming
	if err := conn.ReadJSON(&failure); err != nil {
		t.Fatalf("read err: %v", err)
	}
	if failure.Type != "error" || failure.Data["message"] != "retrying" || failure.Data["response_count"] != float64(4) {
		t.Fatalf("unexpected error frame %+v", failure)
	}
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	server, h, id, token := setupServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/sessions/"+id+"/ws?admin_token="+token), nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	if h.SubscriberCount(id) != 1 {
		t.Fatalf("expected one subscriber, got %d", h.SubscriberCount(id))
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount(id) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
