package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/handlers"
)

func registerAuditRoutes(api *gin.RouterGroup, handler *handlers.AuditHandler, requireAdmin gin.HandlerFunc) {
	audit := api.Group("/audit")
	audit.Use(requireAdmin)
	{
		audit.GET("", handler.List)
		audit.GET("/verify", handler.Verify)
	}
}
