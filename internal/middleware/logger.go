package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/charlesng35/gpubroker/internal/monitoring"
	"github.com/charlesng35/gpubroker/pkg/logger"
	"github.com/charlesng35/gpubroker/pkg/response"
)

const (
	HeaderRequestID = "X-Request-ID"
	CtxRequestIDKey = response.RequestIDKey

	maxRequestIDLen = 64
)

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(CtxRequestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// Observe writes one access log line per request and records its latency
// under the matched route template. Probe and scrape paths log at debug.
func Observe(quietPaths ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		monitoring.ObserveAPILatency(c.Request.Method, route, strconv.Itoa(status), elapsed)

		level := zapcore.InfoLevel
		switch {
		case status >= 500:
			level = zapcore.WarnLevel
		case isQuiet(quiet, c.Request.URL.Path):
			level = zapcore.DebugLevel
		}

		log := logger.WithModule("http")
		if ce := log.Check(level, "request"); ce != nil {
			ce.Write(accessFields(c, status, elapsed)...)
		}
	}
}

func isQuiet(quiet map[string]struct{}, path string) bool {
	_, ok := quiet[path]
	return ok
}

func accessFields(c *gin.Context, status int, elapsed time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
		zap.String("client_ip", c.ClientIP()),
	}
	if ua := c.Request.UserAgent(); ua != "" {
		fields = append(fields, zap.String("user_agent", ua))
	}
	if id := c.GetString(CtxRequestIDKey); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if userID := c.GetString(CtxUserIDKey); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if hostID := c.GetString(CtxHostIDKey); hostID != "" {
		fields = append(fields, zap.String("host_id", hostID))
	}
	if len(c.Errors) > 0 {
		fields = append(fields, zap.String("errors", c.Errors.String()))
	}
	return fields
}
