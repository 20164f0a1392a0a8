package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/handlers"
)

func registerHostRoutes(api *gin.RouterGroup, handler *handlers.HostHandler) {
	api.GET("/hosts", handler.List)
	api.POST("/orgs/:id/hosts", handler.Register)
}
