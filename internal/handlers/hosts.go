package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// HostHandler lists and registers GPU host agents.
type HostHandler struct {
	hosts *services.HostService
	orgs  *services.OrganizationService
}

// NewHostHandler constructs a host handler.
func NewHostHandler(hosts *services.HostService, orgs *services.OrganizationService) *HostHandler {
	return &HostHandler{hosts: hosts, orgs: orgs}
}

type registerHostRequest struct {
	Name           string `json:"name" validate:"required,max=128"`
	PublicEndpoint string `json:"public_endpoint" validate:"omitempty,max=255,hostname_port"`
}

// GET /api/hosts
func (h *HostHandler) List(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	hosts, err := h.hosts.ListForUser(requestContext(c), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, hosts)
}

// POST /api/orgs/:id/hosts
//
// The agent token is returned once and cannot be retrieved later.
func (h *HostHandler) Register(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}
	orgID := c.Param("id")
	if !canManageOrg(c, h.orgs, actor, orgID) {
		return
	}

	var req registerHostRequest
	if !bindAndValidate(c, &req) {
		return
	}

	reg, err := h.hosts.Register(requestContext(c), orgID, services.RegisterHostInput{
		Name:           strings.TrimSpace(req.Name),
		PublicEndpoint: strings.TrimSpace(req.PublicEndpoint),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, reg)
}
