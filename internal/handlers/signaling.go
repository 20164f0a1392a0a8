package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/middleware"
	"github.com/charlesng35/gpubroker/internal/signaling"
	"github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// SignalingHandler upgrades authenticated peers onto the signaling hub.
type SignalingHandler struct {
	hub *signaling.Hub
}

// NewSignalingHandler constructs a signaling handler.
func NewSignalingHandler(hub *signaling.Hub) *SignalingHandler {
	return &SignalingHandler{hub: hub}
}

// GET /ws/client
func (h *SignalingHandler) Client(c *gin.Context) {
	h.serve(c, signaling.RoleClient, c.GetString(middleware.CtxUserIDKey))
}

// GET /ws/agent
func (h *SignalingHandler) Agent(c *gin.Context) {
	h.serve(c, signaling.RoleHost, c.GetString(middleware.CtxHostIDKey))
}

// GET /ws/gateway
func (h *SignalingHandler) Gateway(c *gin.Context) {
	h.serve(c, signaling.RoleGateway, c.GetString(middleware.CtxGatewayIDKey))
}

func (h *SignalingHandler) serve(c *gin.Context, role signaling.Role, id string) {
	if id == "" {
		response.Error(c, errors.ErrUnauthenticated)
		return
	}
	h.hub.Serve(signaling.Peer{Role: role, ID: id}, c.Writer, c.Request)
}
