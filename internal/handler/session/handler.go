package session

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	sessionService "github.com/zhouzirui/theme-pulse/backend/internal/service/session"
	"github.com/zhouzirui/theme-pulse/backend/pkg/utils"
)

// Handler 会话与作答的HTTP处理器
type Handler struct {
	sessions    *sessionService.Service
	frontendURL string
}

// New 创建会话处理器。frontendURL 为空时链接基于请求地址生成。
func New(sessions *sessionService.Service, frontendURL string) *Handler {
	return &Handler{
		sessions:    sessions,
		frontendURL: frontendURL,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Post("/sessions/{sessionID}/responses", h.handleSubmitResponse)
}

type createSessionResponse struct {
	SessionID  string `json:"session_id"`
	AdminToken string `json:"admin_token"`
	StudentURL string `json:"student_url"`
	AdminURL   string `json:"admin_url"`
}

type submitResponse struct {
	Message    string `json:"message"`
	ResponseID string `json:"response_id"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Count(),
	})
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Question string `json:"question"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.sessions.CreateSession(r.Context(), payload.Question)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}

	base := h.baseURL(r)
	utils.RespondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:  created.ID,
		AdminToken: created.AdminToken,
		StudentURL: base + "/session/" + created.ID,
		AdminURL:   base + "/session/" + created.ID + "/admin?token=" + url.QueryEscape(created.AdminToken),
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, info)
}

// handleSubmitResponse 提交学生作答
func (h *Handler) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		StudentName string `json:"student_name"`
		Answer      string `json:"answer"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	response, err := h.sessions.AppendResponse(r.Context(), chi.URLParam(r, "sessionID"), payload.StudentName, payload.Answer)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, submitResponse{
		Message:    "Response submitted successfully",
		ResponseID: response.ID,
	})
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.frontendURL != "" {
		return h.frontendURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}
