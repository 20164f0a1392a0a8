package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/handlers"
)

func registerTunnelRoutes(api *gin.RouterGroup, handler *handlers.TunnelHandler) {
	tunnels := api.Group("/tunnels")
	{
		tunnels.POST("", handler.Create)
		tunnels.GET("", handler.List)
		tunnels.DELETE("/:id", handler.Destroy)
	}
}

// Relay validation is called by gateways with their own credentials, not user tokens.
func registerRelayRoutes(api *gin.RouterGroup, handler *handlers.TunnelHandler, gatewayAuth gin.HandlerFunc) {
	relay := api.Group("/relay")
	relay.Use(gatewayAuth)
	relay.POST("/validate", handler.Validate)
}
