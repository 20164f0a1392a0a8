package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

// RequestIDKey is the gin context key under which the request id middleware
// stores the correlation id echoed in error bodies.
const RequestIDKey = "requestID"

// Response is the envelope of every JSON API payload.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ErrorInfo is the client-facing part of an AppError. Reason carries the
// machine readable failure cause, e.g. host_offline or pool_exhausted.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Meta describes pagination. Total is always present so an empty page reads as zero results.
type Meta struct {
	Page       int `json:"page,omitempty"`
	PerPage    int `json:"per_page,omitempty"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data})
}

// SuccessWithMeta writes a JSON success response including pagination metadata.
func SuccessWithMeta(c *gin.Context, status int, data any, meta *Meta) {
	c.JSON(status, Response{Success: true, Data: data, Meta: meta})
}

// Error renders err as an AppError. Server-side failures are logged with
// their internal cause, which never reaches the client.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = apperrors.ErrInternal
	}

	appErr := apperrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	requestID := c.GetString(RequestIDKey)
	if status >= http.StatusInternalServerError {
		logger.WithModule("http").Error("request failed",
			zap.String("code", appErr.Code),
			zap.String("reason", appErr.Reason),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	c.JSON(status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Reason:    appErr.Reason,
			RequestID: requestID,
		},
	})
}
