// Package handlers implements the bridge's HTTP endpoints on top of a chat
// session: conversation snapshots, sends, presence and the notification
// stream.
//
// This file holds the response helpers shared by every endpoint. Errors use
// one envelope with a stable code; session and backend errors are mapped to
// statuses in failFrom.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/api"
	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/session"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message
	Message string `json:"message"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// fail aborts the request with a structured error. Server errors (>=500)
// are logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failFrom maps session and backend errors onto the envelope.
func failFrom(c *gin.Context, err error) {
	var re *api.RequestError
	switch {
	case errors.Is(err, session.ErrPeerRequired), errors.Is(err, session.ErrEmptyMessage):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, session.ErrNotActive):
		fail(c, http.StatusConflict, ErrCodeNotActive, "conversation is not open")
	case errors.Is(err, session.ErrDuplicateSend):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, api.ErrUnauthorized):
		fail(c, http.StatusBadGateway, ErrCodeUnauthorized, "backend rejected the credentials")
	case errors.As(err, &re) && re.Retryable:
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, re.Error())
	case errors.As(err, &re):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, re.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
