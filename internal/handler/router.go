package handler

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/theme-pulse/backend/internal/config"
	"github.com/zhouzirui/theme-pulse/backend/internal/handler/live"
	sessionHandler "github.com/zhouzirui/theme-pulse/backend/internal/handler/session"
	"github.com/zhouzirui/theme-pulse/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/theme-pulse/backend/internal/middleware"
	"github.com/zhouzirui/theme-pulse/backend/internal/service/hub"
	sessionService "github.com/zhouzirui/theme-pulse/backend/internal/service/session"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(cfg *config.Config, sessions *sessionService.Service, liveHub *hub.Hub, logger *log.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Server.FrontendURL))

	sessionH := sessionHandler.New(sessions, cfg.Server.FrontendURL)
	streamH := stream.New(liveHub, sessions, cfg.Summary.MinResponses, cfg.Summary.Heartbeat, logger.WithPrefix("stream"))
	wsH := live.NewWebSocketHandler(liveHub, logger.WithPrefix("ws"))

	r.Route("/api", func(api chi.Router) {
		sessionH.RegisterRoutes(api)
		streamH.RegisterRoutes(api)
		wsH.RegisterRoutes(api)
	})

	return r
}
