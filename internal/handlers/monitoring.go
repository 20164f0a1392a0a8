package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/app"
	"github.com/charlesng35/gpubroker/internal/monitoring"
	"github.com/charlesng35/gpubroker/internal/signaling"
	"github.com/charlesng35/gpubroker/pkg/response"
)

// PeerCounter reports how many peers of a role hold a signaling connection on this replica.
type PeerCounter interface {
	ConnectedPeers(role string) int
}

// MonitoringHandler exposes the broker's operational summary to administrators.
type MonitoringHandler struct {
	module *monitoring.Module
	cfg    *app.Config
	peers  PeerCounter
}

// NewMonitoringHandler returns nil when both health checks and metrics are disabled.
func NewMonitoringHandler(module *monitoring.Module, cfg *app.Config, peers PeerCounter) *MonitoringHandler {
	if module == nil || cfg == nil {
		return nil
	}
	if !cfg.Monitoring.Health.Enabled && !cfg.Monitoring.Prometheus.Enabled {
		return nil
	}
	return &MonitoringHandler{module: module, cfg: cfg, peers: peers}
}

type monitoringSummary struct {
	Summary    monitoring.Summary      `json:"summary"`
	Readiness  *monitoring.HealthReport `json:"readiness,omitempty"`
	Peers      map[string]int          `json:"peers,omitempty"`
	Prometheus prometheusHint          `json:"prometheus"`
}

type prometheusHint struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Summary handles GET /api/monitoring/summary.
func (h *MonitoringHandler) Summary(c *gin.Context) {
	endpoint := strings.TrimSpace(h.cfg.Monitoring.Prometheus.Endpoint)
	if endpoint == "" {
		endpoint = "/metrics"
	}

	out := monitoringSummary{
		Summary:    h.module.Summary(),
		Prometheus: prometheusHint{Enabled: h.cfg.Monitoring.Prometheus.Enabled, Endpoint: endpoint},
	}
	if h.cfg.Monitoring.Health.Enabled {
		report := h.module.Health().EvaluateReadiness(c.Request.Context())
		out.Readiness = &report
	}
	if h.peers != nil {
		out.Peers = make(map[string]int, 3)
		for _, role := range []signaling.Role{signaling.RoleHost, signaling.RoleClient, signaling.RoleGateway} {
			out.Peers[string(role)] = h.peers.ConnectedPeers(string(role))
		}
	}

	response.Success(c, http.StatusOK, out)
}
