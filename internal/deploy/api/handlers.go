// Package api exposes the deployment and A2A directory operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/deploy/a2a"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// DeploymentManager is the deployment lifecycle surface the handlers need.
type DeploymentManager interface {
	Deploy(ctx context.Context, agentID string) (*v1.Deployment, error)
	Teardown(ctx context.Context, deploymentID string) error
	Get(deploymentID string) (*v1.Deployment, error)
	List() []*v1.Deployment
}

// A2ACoordinator is the worker directory surface the handlers need.
type A2ACoordinator interface {
	Register(orchestratorID, workerID string) error
	Deregister(orchestratorID, workerID string)
	Workers(orchestratorID string) []a2a.Registration
}

// Handler contains the HTTP handlers for the deployment service API.
type Handler struct {
	deployments DeploymentManager
	coordinator A2ACoordinator
	logger      *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(dm DeploymentManager, coord A2ACoordinator, log *logger.Logger) *Handler {
	return &Handler{
		deployments: dm,
		coordinator: coord,
		logger:      log.WithFields(zap.String("component", "deploy-api")),
	}
}

// CreateDeployment deploys an agent
// POST /api/v1/deployments
func (h *Handler) CreateDeployment(c *gin.Context) {
	var req CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	dep, err := h.deployments.Deploy(c.Request.Context(), req.AgentID)
	if err != nil {
		h.logger.Error("failed to deploy agent",
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
		c.JSON(errors.GetHTTPStatus(err), errors.Wrap(err, "failed to deploy agent"))
		return
	}

	c.JSON(http.StatusCreated, deploymentToResponse(dep))
}

// ListDeployments returns all known deployments
// GET /api/v1/deployments
func (h *Handler) ListDeployments(c *gin.Context) {
	deps := h.deployments.List()

	out := make([]DeploymentResponse, 0, len(deps))
	for _, dep := range deps {
		out = append(out, deploymentToResponse(dep))
	}

	c.JSON(http.StatusOK, DeploymentsListResponse{
		Deployments: out,
		Total:       len(out),
	})
}

// GetDeployment returns one deployment
// GET /api/v1/deployments/:deploymentId
func (h *Handler) GetDeployment(c *gin.Context) {
	deploymentID := c.Param("deploymentId")

	dep, err := h.deployments.Get(deploymentID)
	if err != nil {
		c.JSON(errors.GetHTTPStatus(err), errors.Wrap(err, "deployment lookup failed"))
		return
	}

	c.JSON(http.StatusOK, deploymentToResponse(dep))
}

// DeleteDeployment tears a deployment down
// DELETE /api/v1/deployments/:deploymentId
func (h *Handler) DeleteDeployment(c *gin.Context) {
	deploymentID := c.Param("deploymentId")

	if err := h.deployments.Teardown(c.Request.Context(), deploymentID); err != nil {
		h.logger.Error("failed to tear down deployment",
			zap.String("deployment_id", deploymentID),
			zap.Error(err))
		c.JSON(errors.GetHTTPStatus(err), errors.Wrap(err, "failed to tear down deployment"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "deployment stopped"})
}

// RegisterWorker adds a worker to an orchestrator's directory
// POST /api/v1/a2a/registrations
func (h *Handler) RegisterWorker(c *gin.Context) {
	var req RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.coordinator.Register(req.OrchestratorID, req.WorkerID); err != nil {
		h.logger.Warn("worker registration rejected",
			zap.String("orchestrator_id", req.OrchestratorID),
			zap.String("worker_id", req.WorkerID),
			zap.Error(err))
		c.JSON(errors.GetHTTPStatus(err), errors.Wrap(err, "registration rejected"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "worker registered"})
}

// DeregisterWorker removes a worker from an orchestrator's directory
// DELETE /api/v1/a2a/registrations
func (h *Handler) DeregisterWorker(c *gin.Context) {
	var req DeregisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.coordinator.Deregister(req.OrchestratorID, req.WorkerID)
	c.JSON(http.StatusOK, gin.H{"message": "worker deregistered"})
}

// ListWorkers returns an orchestrator's worker directory
// GET /api/v1/a2a/registrations/:orchestratorId
func (h *Handler) ListWorkers(c *gin.Context) {
	orchestratorID := c.Param("orchestratorId")

	regs := h.coordinator.Workers(orchestratorID)
	out := make([]RegistrationResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, RegistrationResponse{
			OrchestratorID: reg.OrchestratorID,
			WorkerID:       reg.WorkerID,
			WorkerPort:     reg.WorkerPort,
			RegisteredAt:   reg.RegisteredAt,
		})
	}

	c.JSON(http.StatusOK, RegistrationsListResponse{
		Workers: out,
		Total:   len(out),
	})
}

// HealthCheck returns health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}
