package api

import (
	"time"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// CreateDeploymentRequest is the body of POST /api/v1/deployments.
type CreateDeploymentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// DeploymentResponse is the wire form of a deployment.
type DeploymentResponse struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	Port      int       `json:"port"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	LastError string    `json:"last_error,omitempty"`
}

// DeploymentsListResponse wraps GET /api/v1/deployments.
type DeploymentsListResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Total       int                  `json:"total"`
}

// RegisterWorkerRequest is the body of POST /api/v1/a2a/registrations.
type RegisterWorkerRequest struct {
	OrchestratorID string `json:"orchestrator_id" binding:"required"`
	WorkerID       string `json:"worker_id" binding:"required"`
}

// DeregisterWorkerRequest is the body of DELETE /api/v1/a2a/registrations.
type DeregisterWorkerRequest struct {
	OrchestratorID string `json:"orchestrator_id" binding:"required"`
	WorkerID       string `json:"worker_id" binding:"required"`
}

// RegistrationResponse is one worker directory entry.
type RegistrationResponse struct {
	OrchestratorID string    `json:"orchestrator_id"`
	WorkerID       string    `json:"worker_id"`
	WorkerPort     int       `json:"worker_port"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// RegistrationsListResponse wraps GET /api/v1/a2a/registrations/:orchestratorId.
type RegistrationsListResponse struct {
	Workers []RegistrationResponse `json:"workers"`
	Total   int                    `json:"total"`
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func deploymentToResponse(dep *v1.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:        dep.ID,
		AgentID:   dep.AgentID,
		Role:      string(dep.Role),
		Port:      dep.Port,
		State:     string(dep.State),
		CreatedAt: dep.CreatedAt,
		LastError: dep.LastError,
	}
}
