package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/middleware"
	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// TunnelHandler issues, lists and validates relay credentials.
type TunnelHandler struct {
	issuer *services.TunnelIssuer
}

// NewTunnelHandler constructs a tunnel handler.
func NewTunnelHandler(issuer *services.TunnelIssuer) *TunnelHandler {
	return &TunnelHandler{issuer: issuer}
}

type createTunnelRequest struct {
	SessionID  string `json:"session_id" validate:"required,max=64"`
	TTLSeconds int64  `json:"ttl_seconds" validate:"gte=0"`
	Protocol   string `json:"protocol" validate:"omitempty,max=16"`
}

type validateTunnelRequest struct {
	Token     string `json:"token" validate:"required"`
	SessionID string `json:"session_id" validate:"omitempty,max=64"`
	HostID    string `json:"host_id" validate:"omitempty,max=64"`
}

// POST /api/tunnels
func (h *TunnelHandler) Create(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	var req createTunnelRequest
	if !bindAndValidate(c, &req) {
		return
	}

	grant, err := h.issuer.CreateTunnel(
		requestContext(c),
		actor.ID,
		strings.TrimSpace(req.SessionID),
		time.Duration(req.TTLSeconds)*time.Second,
		req.Protocol,
	)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, grant)
}

// GET /api/tunnels
func (h *TunnelHandler) List(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	tunnels, err := h.issuer.ListTunnels(requestContext(c), actor.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, tunnels)
}

// DELETE /api/tunnels/:id
func (h *TunnelHandler) Destroy(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	if err := h.issuer.DestroyTunnel(requestContext(c), actor.ID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"destroyed": true})
}

// POST /api/relay/validate
//
// Invalid credentials still answer 200; the gateway reads Valid and Reason.
func (h *TunnelHandler) Validate(c *gin.Context) {
	var req validateTunnelRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result := h.issuer.ValidateFor(requestContext(c), strings.TrimSpace(req.Token), services.TunnelScope{
		SessionID: strings.TrimSpace(req.SessionID),
		HostID:    strings.TrimSpace(req.HostID),
		GatewayID: c.GetString(middleware.CtxGatewayIDKey),
	})
	response.Success(c, http.StatusOK, result)
}
