package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/auditctx"
	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// OrganizationHandler manages organisations and their memberships.
type OrganizationHandler struct {
	svc *services.OrganizationService
}

// NewOrganizationHandler constructs an organisation handler.
func NewOrganizationHandler(svc *services.OrganizationService) *OrganizationHandler {
	return &OrganizationHandler{svc: svc}
}

type createOrganizationRequest struct {
	Name        string `json:"name" validate:"required,min=3,max=128"`
	Description string `json:"description" validate:"omitempty,max=512"`
	OwnerID     string `json:"owner_id" validate:"omitempty,max=64"`
}

type addMemberRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
	Role   string `json:"role" validate:"omitempty,oneof=owner member"`
}

// GET /api/orgs
func (h *OrganizationHandler) List(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	orgs, err := h.svc.ListForUser(requestContext(c), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, orgs)
}

// POST /api/orgs
func (h *OrganizationHandler) Create(c *gin.Context) {
	var req createOrganizationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	org, err := h.svc.Create(requestContext(c), services.CreateOrganizationInput{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		OwnerID:     strings.TrimSpace(req.OwnerID),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, org)
}

// POST /api/orgs/:id/members
func (h *OrganizationHandler) AddMember(c *gin.Context) {
	orgID := c.Param("id")
	if !h.requireManager(c, orgID) {
		return
	}

	var req addMemberRequest
	if !bindAndValidate(c, &req) {
		return
	}

	membership, err := h.svc.AddMember(requestContext(c), orgID, req.UserID, req.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, membership)
}

// requireManager allows administrators and owners of orgID, writing an error otherwise.
func (h *OrganizationHandler) requireManager(c *gin.Context, orgID string) bool {
	actor, ok := requestActor(c)
	if !ok {
		return false
	}
	return canManageOrg(c, h.svc, actor, orgID)
}

func canManageOrg(c *gin.Context, orgs *services.OrganizationService, actor auditctx.Actor, orgID string) bool {
	ctx := requestContext(c)
	if _, err := orgs.GetByID(ctx, orgID); err != nil {
		response.Error(c, err)
		return false
	}
	if actor.IsAdmin() {
		return true
	}

	role, err := orgs.MemberRole(ctx, orgID, actor.ID)
	if err != nil {
		response.Error(c, err)
		return false
	}
	if role != models.MemberRoleOwner {
		response.Error(c, errors.ErrForbidden)
		return false
	}
	return true
}
