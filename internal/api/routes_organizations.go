package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/gpubroker/internal/handlers"
)

func registerOrganizationRoutes(api *gin.RouterGroup, handler *handlers.OrganizationHandler, requireAdmin gin.HandlerFunc) {
	orgs := api.Group("/orgs")
	{
		orgs.GET("", handler.List)
		orgs.POST("", requireAdmin, handler.Create)
		// Owners may manage their own organisation; the handler checks membership.
		orgs.POST("/:id/members", handler.AddMember)
	}
}
