package live

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	liveModel "github.com/zhouzirui/theme-pulse/backend/internal/model/live"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/hub"
	"github.com/zhouzirui/theme-pulse/backend/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketHandler 通过WebSocket推送会话实时事件
type WebSocketHandler struct {
	hub        *hub.Hub
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	logger     *log.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(h *hub.Hub, logger *log.Logger) *WebSocketHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WebSocketHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingPeriod: pingPeriod,
		logger:     logger,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type outgoingMessage struct {
	Type      liveModel.Kind `json:"type"`
	Data      interface{}    `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// subscribe before upgrading so auth failures still get a plain HTTP status
	sub, err := h.hub.Subscribe(r.Context(), sessionID, r.URL.Query().Get("admin_token"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "session", sessionID, "err", err)
		return
	}
	defer conn.Close()

	h.logger.Info("new connection", "session", sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.readLoop(conn, cancel)

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("connection closed", "session", sessionID)
			return
		case event, ok := <-sub.Events():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := h.send(conn, event); err != nil {
				h.logger.Debug("write failed", "session", sessionID, "err", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop 丢弃客户端消息，仅用于处理 pong 与关闭帧
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read error", "err", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, event liveModel.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(outgoingMessage{
		Type:      event.Kind,
		Data:      event.Payload,
		Timestamp: time.Now().Unix(),
	})
}
