package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/apperr"
	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

var (
	errInvalidRequest  = apperr.Validation("invalid_request", "request body is malformed")
	errSessionRequired = apperr.Unauthorized("session_required", "authentication required")
	errSessionInvalid  = apperr.Unauthorized("session_invalid", "session is invalid or has expired")
	errGoogleDisabled  = apperr.NotFound("google_disabled", "google sign-in is not configured")
	errInvalidProvider = apperr.Validation("invalid_provider", "unknown login provider")
)

type successEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusForError maps an error kind onto its HTTP status.
func statusForError(err error) int {
	appErr, ok := apperr.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch appErr.Kind() {
	case apperr.KindValidation, apperr.KindInvalidOrExpiredToken:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindAlreadyVerified:
		return http.StatusConflict
	case apperr.KindPreconditionFailed:
		if appErr.Code() == users.ErrLocalIdentityMissing.Code() {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case apperr.KindThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	appErr, ok := apperr.As(err)
	if !ok {
		h.logger.Error("unclassified request failure", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, errorEnvelope{Status: statusError, Error: string(apperr.KindStorage), Message: "internal server error"})
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", appErr.Code()),
			zap.Error(err),
		)
	}
	c.JSON(status, errorEnvelope{Status: statusError, Error: appErr.Code(), Message: appErr.Message()})
}

func respondSuccess(c *gin.Context, status int, message string, data any) {
	c.JSON(status, successEnvelope{Status: statusSuccess, Message: message, Data: data})
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
