package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/handlers"
)

func registerSessionRoutes(api *gin.RouterGroup, handler *handlers.SessionHandler, limiter gin.HandlerFunc) {
	sessions := api.Group("/sessions")
	{
		sessions.POST("", limiter, handler.Create)
		sessions.GET("", handler.List)
		sessions.GET("/:id", handler.Get)
		sessions.DELETE("/:id", handler.Terminate)
	}
}
