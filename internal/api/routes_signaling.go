package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/handlers"
)

func registerSignalingRoutes(r *gin.Engine, handler *handlers.SignalingHandler, userAuth, agentAuth, gatewayAuth gin.HandlerFunc) {
	ws := r.Group("/ws")
	{
		ws.GET("/client", userAuth, handler.Client)
		ws.GET("/agent", agentAuth, handler.Agent)
		ws.GET("/gateway", gatewayAuth, handler.Gateway)
	}
}
