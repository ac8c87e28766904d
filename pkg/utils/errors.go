package utils

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
)

// StatusForError 将领域错误映射为 HTTP 状态码。
func StatusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// RespondServiceError 发送领域错误响应，内部错误不向客户端暴露细节
func RespondServiceError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "err", err)
		RespondError(w, status, "internal error")
		return
	}
	RespondError(w, status, err.Error())
}
