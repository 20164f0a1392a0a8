package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// SessionHandler exposes the session broker to authenticated users.
type SessionHandler struct {
	broker *services.SessionBroker
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(broker *services.SessionBroker) *SessionHandler {
	return &SessionHandler{broker: broker}
}

type createSessionRequest struct {
	HostID             string `json:"host_id" validate:"required,max=64"`
	ClientPublicKey    string `json:"client_public_key" validate:"required,wgkey"`
	MaxDurationSeconds int64  `json:"max_duration_seconds" validate:"gte=0"`
}

// POST /api/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	var req createSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)
	session, err := h.broker.CreateSession(ctx, actor, services.CreateSessionParams{
		HostID:          strings.TrimSpace(req.HostID),
		ClientPublicKey: strings.TrimSpace(req.ClientPublicKey),
		MaxDuration:     time.Duration(req.MaxDurationSeconds) * time.Second,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		settled, err := h.broker.AwaitSession(ctx, session.ID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, settled)
		return
	}

	response.Success(c, http.StatusAccepted, session)
}

// GET /api/sessions
func (h *SessionHandler) List(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", defaultPerPage)
	sessions, total, err := h.broker.ListSessions(requestContext(c), actor, services.SessionFilters{
		UserID:   strings.TrimSpace(c.Query("user_id")),
		HostID:   strings.TrimSpace(c.Query("host_id")),
		Status:   strings.ToUpper(strings.TrimSpace(c.Query("status"))),
		Page:     page,
		PageSize: perPage,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, sessions, paginationMeta(page, perPage, total))
}

// GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	session, err := h.broker.GetSession(requestContext(c), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, session)
}

// DELETE /api/sessions/:id
func (h *SessionHandler) Terminate(c *gin.Context) {
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	session, err := h.broker.TerminateSession(requestContext(c), c.Param("id"), actor, services.ReasonUserRequest)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, session)
}

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

func paginationMeta(page, perPage int, total int64) *response.Meta {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > maxPerPage {
		perPage = defaultPerPage
	}
	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	return &response.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      int(total),
		TotalPages: totalPages,
	}
}
