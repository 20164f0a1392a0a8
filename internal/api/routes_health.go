package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/app"
	"github.com/charlesng35/gpubroker/internal/handlers"
	"github.com/charlesng35/gpubroker/internal/monitoring"
)

// registerHealthRoutes mounts the probes at the root and under /api so load
// balancers and API clients can use the same paths.
func registerHealthRoutes(r *gin.Engine, cfg *app.Config, mon *monitoring.Module) {
	var manager *monitoring.HealthManager
	if cfg.Monitoring.Health.Enabled && mon != nil {
		manager = mon.Health()
	}
	handler := handlers.NewHealthHandler(manager)

	for _, router := range []gin.IRouter{r, r.Group("/api")} {
		router.GET("/health", handler.Overview)
		router.GET("/health/live", handler.Live)
		router.GET("/health/ready", handler.Ready)
	}
}
