package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/monitoring"
)

// HealthHandler serves liveness and readiness probes. A nil manager reports
// every probe as disabled.
type HealthHandler struct {
	manager *monitoring.HealthManager
	now     func() time.Time
}

// NewHealthHandler builds probe endpoints on top of manager.
func NewHealthHandler(manager *monitoring.HealthManager) *HealthHandler {
	return &HealthHandler{manager: manager, now: time.Now}
}

type healthBody struct {
	Success   bool                     `json:"success"`
	Status    monitoring.ProbeStatus   `json:"status"`
	Checks    []monitoring.ProbeResult `json:"checks,omitempty"`
	CheckedAt time.Time                `json:"checked_at"`
}

// Overview GET /health reports the readiness verdict without per-check detail.
func (h *HealthHandler) Overview(c *gin.Context) {
	h.write(c, h.evaluate(c, (*monitoring.HealthManager).EvaluateReadiness), false)
}

// Live GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	h.write(c, h.evaluate(c, (*monitoring.HealthManager).EvaluateLiveness), true)
}

// Ready GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	h.write(c, h.evaluate(c, (*monitoring.HealthManager).EvaluateReadiness), true)
}

func (h *HealthHandler) evaluate(c *gin.Context, probe func(*monitoring.HealthManager, context.Context) monitoring.HealthReport) *monitoring.HealthReport {
	if h.manager == nil {
		return nil
	}
	report := probe(h.manager, c.Request.Context())
	return &report
}

// write answers 503 only when a probe is down; a degraded broker still serves traffic.
func (h *HealthHandler) write(c *gin.Context, report *monitoring.HealthReport, detailed bool) {
	if report == nil {
		c.JSON(http.StatusNotFound, healthBody{Status: "disabled", CheckedAt: h.now().UTC()})
		return
	}

	body := healthBody{Success: report.Success, Status: report.Status, CheckedAt: h.now().UTC()}
	if detailed {
		body.Checks = report.Checks
	}
	status := http.StatusOK
	if report.Status == monitoring.StatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}
