package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/deploy/a2a"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

type mockManager struct {
	deployFunc   func(ctx context.Context, agentID string) (*v1.Deployment, error)
	teardownFunc func(ctx context.Context, deploymentID string) error
	getFunc      func(deploymentID string) (*v1.Deployment, error)
	listFunc     func() []*v1.Deployment
}

func (m *mockManager) Deploy(ctx context.Context, agentID string) (*v1.Deployment, error) {
	return m.deployFunc(ctx, agentID)
}

func (m *mockManager) Teardown(ctx context.Context, deploymentID string) error {
	return m.teardownFunc(ctx, deploymentID)
}

func (m *mockManager) Get(deploymentID string) (*v1.Deployment, error) {
	return m.getFunc(deploymentID)
}

func (m *mockManager) List() []*v1.Deployment {
	if m.listFunc == nil {
		return nil
	}
	return m.listFunc()
}

type mockCoordinator struct {
	registerFunc   func(orchestratorID, workerID string) error
	deregisterFunc func(orchestratorID, workerID string)
	workersFunc    func(orchestratorID string) []a2a.Registration
}

func (m *mockCoordinator) Register(orchestratorID, workerID string) error {
	return m.registerFunc(orchestratorID, workerID)
}

func (m *mockCoordinator) Deregister(orchestratorID, workerID string) {
	if m.deregisterFunc != nil {
		m.deregisterFunc(orchestratorID, workerID)
	}
}

func (m *mockCoordinator) Workers(orchestratorID string) []a2a.Registration {
	if m.workersFunc == nil {
		return nil
	}
	return m.workersFunc(orchestratorID)
}

func newTestRouter(dm DeploymentManager, coord A2ACoordinator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(dm, coord, logger.Default()).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateDeployment(t *testing.T) {
	dep := &v1.Deployment{
		ID:        "dep-1",
		AgentID:   "agent-1",
		Role:      v1.AgentRoleSingle,
		Port:      8100,
		State:     v1.DeploymentStateRunning,
		CreatedAt: time.Now().UTC(),
	}
	dm := &mockManager{
		deployFunc: func(ctx context.Context, agentID string) (*v1.Deployment, error) {
			assert.Equal(t, "agent-1", agentID)
			return dep, nil
		},
	}

	router := newTestRouter(dm, &mockCoordinator{})
	w := doJSON(t, router, http.MethodPost, "/api/v1/deployments",
		CreateDeploymentRequest{AgentID: "agent-1"})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp DeploymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dep-1", resp.ID)
	assert.Equal(t, 8100, resp.Port)
	assert.Equal(t, "running", resp.State)
}

func TestCreateDeploymentMissingAgentID(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockCoordinator{})
	w := doJSON(t, router, http.MethodPost, "/api/v1/deployments", gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateDeploymentErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown agent", errors.NotFound("agent", "agent-1"), http.StatusNotFound},
		{"invalid config", errors.ConfigInvalid("agent-1", []string{"github: missing GITHUB_TOKEN"}), http.StatusUnprocessableEntity},
		{"ports exhausted", errors.Exhausted("worker"), http.StatusServiceUnavailable},
		{"launch failure", errors.LaunchFailed("spawn failed", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := &mockManager{
				deployFunc: func(ctx context.Context, agentID string) (*v1.Deployment, error) {
					return nil, tt.err
				},
			}
			router := newTestRouter(dm, &mockCoordinator{})
			w := doJSON(t, router, http.MethodPost, "/api/v1/deployments",
				CreateDeploymentRequest{AgentID: "agent-1"})

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestGetDeployment(t *testing.T) {
	dm := &mockManager{
		getFunc: func(deploymentID string) (*v1.Deployment, error) {
			if deploymentID == "dep-1" {
				return &v1.Deployment{ID: "dep-1", State: v1.DeploymentStateStopped}, nil
			}
			return nil, errors.NotFound("deployment", deploymentID)
		},
	}
	router := newTestRouter(dm, &mockCoordinator{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/deployments/dep-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/deployments/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDeployments(t *testing.T) {
	dm := &mockManager{
		listFunc: func() []*v1.Deployment {
			return []*v1.Deployment{
				{ID: "dep-1", State: v1.DeploymentStateRunning},
				{ID: "dep-2", State: v1.DeploymentStateStopped},
			}
		},
	}
	router := newTestRouter(dm, &mockCoordinator{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/deployments", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp DeploymentsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Deployments, 2)
}

func TestDeleteDeployment(t *testing.T) {
	var torn string
	dm := &mockManager{
		teardownFunc: func(ctx context.Context, deploymentID string) error {
			torn = deploymentID
			return nil
		},
	}
	router := newTestRouter(dm, &mockCoordinator{})

	w := doJSON(t, router, http.MethodDelete, "/api/v1/deployments/dep-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dep-1", torn)
}

func TestRegisterWorker(t *testing.T) {
	coord := &mockCoordinator{
		registerFunc: func(orchestratorID, workerID string) error {
			assert.Equal(t, "dep-orch", orchestratorID)
			assert.Equal(t, "dep-worker", workerID)
			return nil
		},
	}
	router := newTestRouter(&mockManager{}, coord)

	w := doJSON(t, router, http.MethodPost, "/api/v1/a2a/registrations",
		RegisterWorkerRequest{OrchestratorID: "dep-orch", WorkerID: "dep-worker"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRegisterWorkerNotReady(t *testing.T) {
	coord := &mockCoordinator{
		registerFunc: func(orchestratorID, workerID string) error {
			return errors.NotReady("worker deployment dep-worker is not running")
		},
	}
	router := newTestRouter(&mockManager{}, coord)

	w := doJSON(t, router, http.MethodPost, "/api/v1/a2a/registrations",
		RegisterWorkerRequest{OrchestratorID: "dep-orch", WorkerID: "dep-worker"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListWorkers(t *testing.T) {
	now := time.Now().UTC()
	coord := &mockCoordinator{
		workersFunc: func(orchestratorID string) []a2a.Registration {
			return []a2a.Registration{
				{OrchestratorID: orchestratorID, WorkerID: "dep-w1", WorkerPort: 8300, RegisteredAt: now},
				{OrchestratorID: orchestratorID, WorkerID: "dep-w2", WorkerPort: 8301, RegisteredAt: now.Add(time.Second)},
			}
		},
	}
	router := newTestRouter(&mockManager{}, coord)

	w := doJSON(t, router, http.MethodGet, "/api/v1/a2a/registrations/dep-orch", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp RegistrationsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "dep-w1", resp.Workers[0].WorkerID)
}

func TestDeregisterWorker(t *testing.T) {
	var gotOrch, gotWorker string
	coord := &mockCoordinator{
		deregisterFunc: func(orchestratorID, workerID string) {
			gotOrch, gotWorker = orchestratorID, workerID
		},
	}
	router := newTestRouter(&mockManager{}, coord)

	w := doJSON(t, router, http.MethodDelete, "/api/v1/a2a/registrations",
		DeregisterWorkerRequest{OrchestratorID: "dep-orch", WorkerID: "dep-worker"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dep-orch", gotOrch)
	assert.Equal(t, "dep-worker", gotWorker)
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockCoordinator{})

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}
