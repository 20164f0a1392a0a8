package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/handlers"
)

func registerMonitoringRoutes(api *gin.RouterGroup, handler *handlers.MonitoringHandler, requireAdmin gin.HandlerFunc) {
	if api == nil || handler == nil {
		return
	}

	group := api.Group("/monitoring")
	group.GET("/summary", requireAdmin, handler.Summary)
}
