package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// requestActor returns the authenticated principal, writing a 401 when there is none.
func requestActor(c *gin.Context) (auditctx.Actor, bool) {
	actor, ok := auditctx.FromContext(requestContext(c))
	if !ok || actor.ID == "" {
		response.Error(c, errors.ErrUnauthenticated)
		return auditctx.Actor{}, false
	}
	return actor, true
}
