package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/pkg/errors"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// AuditHandler serves the audit ledger to administrators.
type AuditHandler struct {
	svc *services.AuditService
}

// NewAuditHandler constructs an audit handler.
func NewAuditHandler(svc *services.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// GET /api/audit
func (h *AuditHandler) List(c *gin.Context) {
	query, err := parseAuditQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	page, err := h.svc.Page(requestContext(c), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, page)
}

// GET /api/audit/verify
func (h *AuditHandler) Verify(c *gin.Context) {
	from, err := parseSeqQuery(c, "from_seq")
	if err != nil {
		response.Error(c, err)
		return
	}
	to, err := parseSeqQuery(c, "to_seq")
	if err != nil {
		response.Error(c, err)
		return
	}
	if to != 0 && from > to {
		response.Error(c, errors.NewBadRequest("from_seq must not exceed to_seq"))
		return
	}

	result, err := h.svc.VerifyChain(requestContext(c), services.ChainRange{FromSeq: from, ToSeq: to})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

func parseAuditQuery(c *gin.Context) (services.AuditQuery, error) {
	query := services.AuditQuery{
		ActorType:    strings.TrimSpace(c.Query("actor_type")),
		ActorID:      strings.TrimSpace(c.Query("actor_id")),
		ResourceType: strings.TrimSpace(c.Query("resource_type")),
		ResourceID:   strings.TrimSpace(c.Query("resource_id")),
		SessionID:    strings.TrimSpace(c.Query("session_id")),
		EventType:    strings.TrimSpace(c.Query("event_type")),
		Outcome:      strings.TrimSpace(c.Query("outcome")),
		PageSize:     parseIntQuery(c, "page_size", 0),
	}

	after, err := parseSeqQuery(c, "after_seq")
	if err != nil {
		return query, err
	}
	query.AfterSeq = after

	if query.Since, err = parseTimeQuery(c, "since"); err != nil {
		return query, err
	}
	if query.Until, err = parseTimeQuery(c, "until"); err != nil {
		return query, err
	}
	return query, nil
}

func parseSeqQuery(c *gin.Context, key string) (uint64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.NewBadRequest(fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return value, nil
}

func parseTimeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.NewBadRequest(fmt.Sprintf("%s must be an RFC3339 timestamp", key))
	}
	return &ts, nil
}
