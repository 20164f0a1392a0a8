package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/app"
	"github.com/charlesng35/gpubroker/internal/handlers"
	"github.com/charlesng35/gpubroker/internal/middleware"
	"github.com/charlesng35/gpubroker/internal/monitoring"
)

// NewRouter builds the Gin engine, wires middleware and registers the broker routes.
// rateStore may be nil, in which case an in-memory store limits session creation.
func NewRouter(cfg *app.Config, svc *Services, rateStore middleware.RateStore, mon *monitoring.Module) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if svc == nil {
		return nil, fmt.Errorf("services must be provided")
	}
	if rateStore == nil {
		rateStore = middleware.NewMemoryRateStore()
	}

	r := gin.New()

	r.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Observe("/health", "/health/live", "/health/ready", metricsEndpoint(cfg)),
		middleware.SecurityHeaders(),
	)
	r.HandleMethodNotAllowed = true
	r.NoMethod(middleware.MethodNotAllowedHandler)

	registerHealthRoutes(r, cfg, mon)
	registerMetricsRoute(r, cfg, mon)

	requireAuth := middleware.Auth(svc.JWT)
	requireAdmin := middleware.RequireAdmin()

	api := r.Group("/api")

	user := api.Group("")
	user.Use(requireAuth)

	limiter := middleware.RateLimit(rateStore, cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window)
	registerSessionRoutes(user, handlers.NewSessionHandler(svc.Broker), limiter)

	tunnelHandler := handlers.NewTunnelHandler(svc.Tunnels)
	registerTunnelRoutes(user, tunnelHandler)
	registerRelayRoutes(api, tunnelHandler, middleware.GatewayAuth(svc.Gateways))

	registerHostRoutes(user, handlers.NewHostHandler(svc.Hosts, svc.Orgs))
	registerOrganizationRoutes(user, handlers.NewOrganizationHandler(svc.Orgs), requireAdmin)
	registerAuditRoutes(user, handlers.NewAuditHandler(svc.Audit), requireAdmin)
	registerMonitoringRoutes(user, handlers.NewMonitoringHandler(mon, cfg, svc.Hub), requireAdmin)

	registerSignalingRoutes(r, handlers.NewSignalingHandler(svc.Hub), requireAuth,
		middleware.AgentAuth(svc.Hosts),
		middleware.GatewayAuth(svc.Gateways),
	)

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

func registerMetricsRoute(r *gin.Engine, cfg *app.Config, mon *monitoring.Module) {
	if mon == nil || !cfg.Monitoring.Prometheus.Enabled {
		return
	}
	r.GET(metricsEndpoint(cfg), gin.WrapH(mon.Handler()))
}

func metricsEndpoint(cfg *app.Config) string {
	if endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint); endpoint != "" {
		return endpoint
	}
	return "/metrics"
}
