package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/logger"
	"github.com/charlesng35/gpubroker/pkg/response"
)

var errMethodNotAllowed = apperrors.New("METHOD_NOT_ALLOWED", "Method not allowed", http.StatusMethodNotAllowed)

// Recovery turns a handler panic into a 500 envelope. The panic value and
// stack are logged, never returned to the client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.WithModule("http").Error("handler panicked",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("request_id", c.GetString(CtxRequestIDKey)),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			if !c.Writer.Written() {
				response.Error(c, apperrors.ErrInternal)
			}
			c.Abort()
		}()
		c.Next()
	}
}

// NotFoundHandler answers unknown routes with a JSON 404.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, apperrors.ErrNotFound.WithMessage(fmt.Sprintf("route %s not found", c.Request.URL.Path)))
}

// MethodNotAllowedHandler answers a known path requested with the wrong verb.
func MethodNotAllowedHandler(c *gin.Context) {
	response.Error(c, errMethodNotAllowed.WithMessage(fmt.Sprintf("%s is not allowed on %s", c.Request.Method, c.Request.URL.Path)))
}
