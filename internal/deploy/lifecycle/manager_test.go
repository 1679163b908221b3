package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent/store"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/deploy/ports"
	"github.com/agentdeck/agentdeck/internal/deploy/supervisor"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

type testEnv struct {
	manager   *Manager
	store     *store.MemoryStore
	allocator *ports.Allocator
	broker    *broker.Broker
}

// newTestEnv wires a manager against the local launcher with a command
// builder that keeps agents alive until torn down.
func newTestEnv(t *testing.T, command string) *testEnv {
	t.Helper()
	log := logger.Default()
	st := store.NewMemoryStore()
	alloc := ports.NewAllocator(config.PortsConfig{
		SinglePort:       8100,
		OrchestratorPort: 8200,
		WorkerBasePort:   8300,
		WorkerMaxPort:    8399,
		CoordinatorPort:  8500,
	})
	b := broker.New(log)
	sup := supervisor.New(supervisor.NewLocalLauncher(log), b, 2*time.Second, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	m := NewManager(st, alloc, sup, b, eventBus, log,
		WithCommandBuilder(func(agent *v1.AgentConfig) string { return command }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	return &testEnv{manager: m, store: st, allocator: alloc, broker: b}
}

func (e *testEnv) createAgent(t *testing.T, role v1.AgentRole, tools ...v1.ToolAssociation) *v1.AgentConfig {
	t.Helper()
	agent := &v1.AgentConfig{
		Name:  "test-agent",
		Role:  role,
		Tools: tools,
	}
	if err := e.store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return agent
}

func waitForState(t *testing.T, m *Manager, deploymentID string, want v1.DeploymentState) *v1.Deployment {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		dep, err := m.Get(deploymentID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if dep.State == want {
			return dep
		}
		select {
		case <-deadline:
			t.Fatalf("deployment %s stuck in %s, want %s", deploymentID, dep.State, want)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestManager_DeploySingleAgent(t *testing.T) {
	env := newTestEnv(t, "sleep 60")
	agent := env.createAgent(t, v1.AgentRoleSingle)

	dep, err := env.manager.Deploy(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if dep.State != v1.DeploymentStateRunning {
		t.Errorf("expected running, got %s", dep.State)
	}
	if dep.Port != 8100 {
		t.Errorf("expected single-agent port 8100, got %d", dep.Port)
	}

	if err := env.manager.Teardown(context.Background(), dep.ID); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	stopped, _ := env.manager.Get(dep.ID)
	if stopped.State != v1.DeploymentStateStopped {
		t.Errorf("expected stopped after teardown, got %s", stopped.State)
	}

	// Port is free for the next deployment
	other := env.createAgent(t, v1.AgentRoleSingle)
	dep2, err := env.manager.Deploy(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("redeploy after teardown failed: %v", err)
	}
	if dep2.Port != 8100 {
		t.Errorf("expected released port 8100 to be reused, got %d", dep2.Port)
	}
}

func TestManager_ConfigInvalidMissingVar(t *testing.T) {
	env := newTestEnv(t, "sleep 60")
	agent := env.createAgent(t, v1.AgentRoleWorker, v1.ToolAssociation{
		Tool: v1.ToolDefinition{
			ID:          "t1",
			Name:        "web-search",
			RequiredEnv: []string{"SEARCH_API_KEY", "SEARCH_REGION"},
		},
		EnvValues: map[string]string{"SEARCH_API_KEY": "secret"},
	})

	_, err := env.manager.Deploy(context.Background(), agent.ID)
	if !errors.IsConfigInvalid(err) {
		t.Fatalf("expected config invalid, got %v", err)
	}

	// Nothing leased, no deployment recorded as live
	if got := env.allocator.LeasedCount(ports.RoleWorker); got != 0 {
		t.Errorf("expected no worker leases, got %d", got)
	}
	if got := len(env.manager.List()); got != 0 {
		t.Errorf("expected no deployments, got %d", got)
	}
}

func TestManager_ConfigInvalidEmptyAndUndeclared(t *testing.T) {
	env := newTestEnv(t, "sleep 60")
	agent := env.createAgent(t, v1.AgentRoleWorker, v1.ToolAssociation{
		Tool: v1.ToolDefinition{
			ID:          "t1",
			Name:        "web-search",
			RequiredEnv: []string{"SEARCH_API_KEY"},
		},
		EnvValues: map[string]string{
			"SEARCH_API_KEY": "",
			"UNRELATED":      "x",
		},
	})

	_, err := env.manager.Deploy(context.Background(), agent.ID)
	if !errors.IsConfigInvalid(err) {
		t.Fatalf("expected config invalid, got %v", err)
	}
}

func TestManager_OrchestratorRejectsTools(t *testing.T) {
	env := newTestEnv(t, "sleep 60")
	agent := env.createAgent(t, v1.AgentRoleOrchestrator, v1.ToolAssociation{
		Tool: v1.ToolDefinition{ID: "t1", Name: "tool"},
	})

	if _, err := env.manager.Deploy(context.Background(), agent.ID); err == nil {
		t.Fatal("expected validation error for orchestrator with tools")
	}
}

func TestManager_Crash(t *testing.T) {
	env := newTestEnv(t, "exit 7")
	agent := env.createAgent(t, v1.AgentRoleSingle)

	sub := env.broker.Subscribe(broker.TopicAll, "watcher")
	defer sub.Cancel()

	dep, err := env.manager.Deploy(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	crashed := waitForState(t, env.manager, dep.ID, v1.DeploymentStateCrashed)
	if crashed.LastError == "" {
		t.Error("expected last error populated after crash")
	}

	// Crash surfaces as an error-level log event on the deployment topic
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.DeploymentID == dep.ID && ev.Level == v1.LogLevelError {
				goto portCheck
			}
		case <-deadline:
			t.Fatal("no error-level log event after crash")
		}
	}

portCheck:
	// Port is available again
	if got := env.allocator.LeasedCount(ports.RoleSingle); got != 0 {
		t.Errorf("expected crashed deployment's port released, %d still leased", got)
	}
}

func TestManager_RedeploySupersedes(t *testing.T) {
	env := newTestEnv(t, "sleep 60")
	agent := env.createAgent(t, v1.AgentRoleSingle)

	first, err := env.manager.Deploy(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("first Deploy failed: %v", err)
	}

	second, err := env.manager.Deploy(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("second Deploy failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("redeploy must produce a new deployment")
	}
	if second.State != v1.DeploymentStateRunning {
		t.Errorf("expected new deployment running, got %s", second.State)
	}

	old, _ := env.manager.Get(first.ID)
	if old.State != v1.DeploymentStateStopped {
		t.Errorf("expected old deployment stopped, got %s", old.State)
	}

	// Only the new deployment holds a lease
	if got := env.allocator.LeasedCount(ports.RoleSingle); got != 1 {
		t.Errorf("expected exactly one single-role lease, got %d", got)
	}
}

func TestManager_PortExhaustion(t *testing.T) {
	env := newTestEnv(t, "sleep 60")
	a1 := env.createAgent(t, v1.AgentRoleSingle)
	a2 := env.createAgent(t, v1.AgentRoleSingle)

	if _, err := env.manager.Deploy(context.Background(), a1.ID); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	_, err := env.manager.Deploy(context.Background(), a2.ID)
	if !errors.IsExhausted(err) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	// The failed deployment is recorded with its error
	var failed *v1.Deployment
	for _, dep := range env.manager.List() {
		if dep.AgentID == a2.ID {
			failed = dep
		}
	}
	if failed == nil {
		t.Fatal("failed deployment not recorded")
	}
	if failed.State != v1.DeploymentStateFailed {
		t.Errorf("expected failed state, got %s", failed.State)
	}
	if failed.LastError == "" {
		t.Error("expected last error populated")
	}
}

func TestManager_DeployUnknownAgent(t *testing.T) {
	env := newTestEnv(t, "sleep 60")

	_, err := env.manager.Deploy(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestManager_TeardownUnknownDeployment(t *testing.T) {
	env := newTestEnv(t, "sleep 60")

	if err := env.manager.Teardown(context.Background(), "missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestManager_TeardownIdempotent(t *testing.T) {
	env := newTestEnv(t, "sleep 60")
	agent := env.createAgent(t, v1.AgentRoleSingle)

	dep, err := env.manager.Deploy(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	if err := env.manager.Teardown(context.Background(), dep.ID); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if err := env.manager.Teardown(context.Background(), dep.ID); err != nil {
		t.Errorf("second teardown should be a no-op, got %v", err)
	}
}

func TestManager_WorkerPortsDistinct(t *testing.T) {
	env := newTestEnv(t, "sleep 60")

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		agent := env.createAgent(t, v1.AgentRoleWorker)
		dep, err := env.manager.Deploy(context.Background(), agent.ID)
		if err != nil {
			t.Fatalf("Deploy %d failed: %v", i, err)
		}
		if seen[dep.Port] {
			t.Fatalf("port %d leased twice", dep.Port)
		}
		if dep.Port < 8300 || dep.Port > 8399 {
			t.Errorf("worker port %d outside block", dep.Port)
		}
		seen[dep.Port] = true
	}
}

func TestValidateToolEnv(t *testing.T) {
	tests := []struct {
		name     string
		agent    *v1.AgentConfig
		problems int
	}{
		{
			name:     "no tools",
			agent:    &v1.AgentConfig{},
			problems: 0,
		},
		{
			name: "all vars supplied",
			agent: &v1.AgentConfig{Tools: []v1.ToolAssociation{{
				Tool:      v1.ToolDefinition{Name: "t", RequiredEnv: []string{"A", "B"}},
				EnvValues: map[string]string{"A": "1", "B": "2"},
			}}},
			problems: 0,
		},
		{
			name: "missing and empty",
			agent: &v1.AgentConfig{Tools: []v1.ToolAssociation{{
				Tool:      v1.ToolDefinition{Name: "t", RequiredEnv: []string{"A", "B"}},
				EnvValues: map[string]string{"A": ""},
			}}},
			problems: 2,
		},
		{
			name: "undeclared extra",
			agent: &v1.AgentConfig{Tools: []v1.ToolAssociation{{
				Tool:      v1.ToolDefinition{Name: "t", RequiredEnv: []string{"A"}},
				EnvValues: map[string]string{"A": "1", "X": "2"},
			}}},
			problems: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateToolEnv(tt.agent); len(got) != tt.problems {
				t.Errorf("expected %d problems, got %d: %v", tt.problems, len(got), got)
			}
		})
	}
}

func TestMergeAgentEnv_AgentWinsCollision(t *testing.T) {
	agent := &v1.AgentConfig{
		ID:  "a1",
		Env: map[string]string{"SHARED": "agent-value"},
		Tools: []v1.ToolAssociation{{
			Tool:      v1.ToolDefinition{Name: "t", RequiredEnv: []string{"SHARED", "TOOL_ONLY"}},
			EnvValues: map[string]string{"SHARED": "tool-value", "TOOL_ONLY": "x"},
		}},
	}

	env := mergeAgentEnv(agent, "d1")
	if env["SHARED"] != "agent-value" {
		t.Errorf("agent-scoped value must win, got %q", env["SHARED"])
	}
	if env["TOOL_ONLY"] != "x" {
		t.Errorf("tool value missing, got %q", env["TOOL_ONLY"])
	}
	if env["AGENTDECK_DEPLOYMENT_ID"] != "d1" {
		t.Errorf("deployment id not exported")
	}
}
