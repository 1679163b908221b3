package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes wires the deployment API into the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api/v1")
	{
		api.POST("/deployments", h.CreateDeployment)
		api.GET("/deployments", h.ListDeployments)
		api.GET("/deployments/:deploymentId", h.GetDeployment)
		api.DELETE("/deployments/:deploymentId", h.DeleteDeployment)

		api.POST("/a2a/registrations", h.RegisterWorker)
		api.DELETE("/a2a/registrations", h.DeregisterWorker)
		api.GET("/a2a/registrations/:orchestratorId", h.ListWorkers)
	}
}
