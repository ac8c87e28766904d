package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/live"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/hub"
	"github.com/zhouzirui/theme-pulse/backend/pkg/utils"
)

// Counter reports the current response count used by heartbeats.
type Counter interface {
	ResponseCount(ctx context.Context, sessionID string) (int, error)
}

// Handler pushes live session events to dashboards via Server-Sent Events
type Handler struct {
	hub          *hub.Hub
	counter      Counter
	minResponses int
	heartbeat    time.Duration
	logger       *log.Logger
}

// New creates a new stream handler
func New(h *hub.Hub, counter Counter, minResponses int, heartbeat time.Duration, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		hub:          h,
		counter:      counter,
		minResponses: minResponses,
		heartbeat:    heartbeat,
		logger:       logger,
	}
}

// RegisterRoutes 注册SSE路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/stream", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	sub, err := h.hub.Subscribe(ctx, sessionID, r.URL.Query().Get("admin_token"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("opening stream", "session", sessionID)
	defer func() {
		h.logger.Info("closing stream", "session", sessionID, "dropped", sub.Dropped())
	}()

	heartbeat := time.NewTimer(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(event.Kind), event.Payload); err != nil {
				h.logger.Debug("stream write failed", "session", sessionID, "err", err)
				return
			}
			heartbeat.Reset(h.heartbeat)
		case <-heartbeat.C:
			count, err := h.counter.ResponseCount(ctx, sessionID)
			if err != nil {
				return
			}
			status := live.StatusEvent(count, h.minResponses)
			if err := utils.SendSSEEvent(w, flusher, string(status.Kind), status.Payload); err != nil {
				return
			}
			heartbeat.Reset(h.heartbeat)
		}
	}
}
