// Package lifecycle owns the deployment state machine: it turns stored agent
// configurations into supervised processes and reacts to their exits.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent/store"
	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/deploy/ports"
	"github.com/agentdeck/agentdeck/internal/deploy/supervisor"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// CommandBuilder produces the shell command that runs an agent.
type CommandBuilder func(agent *v1.AgentConfig) string

// defaultCommand invokes the agent runner with the configuration identity;
// everything else reaches the runner through the environment.
func defaultCommand(agent *v1.AgentConfig) string {
	return fmt.Sprintf("agentdeck-runner --agent-id %s --role %s", agent.ID, agent.Role)
}

// record is the manager's internal deployment state. dep is mutated only
// under mu; handle is set once during provisioning.
type record struct {
	mu      sync.Mutex
	dep     v1.Deployment
	handle  *supervisor.Handle
	settled chan struct{} // closed after the exit transition completes
}

func (r *record) snapshot() *v1.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep := r.dep
	return &dep
}

func (r *record) setState(state v1.DeploymentState, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dep.State = state
	if lastError != "" {
		r.dep.LastError = lastError
	}
}

// Manager drives deployments through
// pending → provisioning → running → {stopped, failed, crashed}.
type Manager struct {
	store        store.Store
	allocator    *ports.Allocator
	supervisor   *supervisor.Supervisor
	broker       *broker.Broker
	bus          bus.EventBus
	buildCommand CommandBuilder
	logger       *logger.Logger

	mu          sync.Mutex
	deployments map[string]*record
	byAgent     map[string]string // agent ID -> live deployment ID
	agentLocks  map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithCommandBuilder overrides how the launch command is built.
func WithCommandBuilder(b CommandBuilder) Option {
	return func(m *Manager) { m.buildCommand = b }
}

// NewManager creates a deployment lifecycle manager.
func NewManager(st store.Store, alloc *ports.Allocator, sup *supervisor.Supervisor, b *broker.Broker, eventBus bus.EventBus, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		allocator:    alloc,
		supervisor:   sup,
		broker:       b,
		bus:          eventBus,
		buildCommand: defaultCommand,
		logger:       log.WithFields(zap.String("component", "lifecycle-manager")),
		deployments:  make(map[string]*record),
		byAgent:      make(map[string]string),
		agentLocks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// agentLock returns the mutex serializing deploy/teardown for one agent.
func (m *Manager) agentLock(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.agentLocks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.agentLocks[agentID] = lock
	}
	return lock
}

// Deploy provisions a new deployment for the agent. An existing live
// deployment of the same agent is torn down first, so an agent never has two
// live deployments.
func (m *Manager) Deploy(ctx context.Context, agentID string) (*v1.Deployment, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Role.Valid() {
		return nil, errors.BadRequest(fmt.Sprintf("agent '%s' has unknown role '%s'", agentID, agent.Role))
	}
	if agent.Role == v1.AgentRoleOrchestrator && len(agent.Tools) > 0 {
		return nil, errors.ValidationError("tools", "orchestrator agents cannot carry tool associations")
	}

	// Hard precondition: every tool's required variables must be supplied.
	// Fails before anything is leased or spawned.
	if problems := validateToolEnv(agent); len(problems) > 0 {
		return nil, errors.ConfigInvalid(agentID, problems)
	}

	// Supersede any live deployment of this agent
	m.mu.Lock()
	oldID, hasLive := m.byAgent[agentID]
	m.mu.Unlock()
	if hasLive {
		if err := m.stopDeployment(ctx, oldID); err != nil && !errors.IsNotFound(err) {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to tear down previous deployment '%s'", oldID))
		}
	}

	rec := &record{
		dep: v1.Deployment{
			ID:        uuid.New().String(),
			AgentID:   agentID,
			Role:      agent.Role,
			State:     v1.DeploymentStatePending,
			CreatedAt: time.Now().UTC(),
		},
		settled: make(chan struct{}),
	}

	m.mu.Lock()
	m.deployments[rec.dep.ID] = rec
	m.byAgent[agentID] = rec.dep.ID
	m.mu.Unlock()

	rec.setState(v1.DeploymentStateProvisioning, "")

	port, err := m.allocator.Lease(ports.RoleFor(agent.Role), rec.dep.ID)
	if err != nil {
		m.failDeployment(rec, err)
		return nil, err
	}
	rec.mu.Lock()
	rec.dep.Port = port
	rec.mu.Unlock()

	spec := supervisor.LaunchSpec{
		DeploymentID: rec.dep.ID,
		AgentID:      agentID,
		Command:      m.buildCommand(agent),
		Env:          mergeAgentEnv(agent, rec.dep.ID),
		Port:         port,
	}

	handle, err := m.supervisor.Start(ctx, spec)
	if err != nil {
		m.allocator.Release(port)
		m.failDeployment(rec, err)
		return nil, err
	}

	rec.mu.Lock()
	rec.handle = handle
	rec.dep.State = v1.DeploymentStateRunning
	rec.mu.Unlock()

	m.logger.Info("Deployment running",
		zap.String("deployment_id", rec.dep.ID),
		zap.String("agent_id", agentID),
		zap.String("role", string(agent.Role)),
		zap.Int("port", port))

	m.publishEvent(events.DeploymentStarted, rec)

	go m.watch(rec)

	return rec.snapshot(), nil
}

// Teardown stops a running deployment. Returns once the process has exited
// and the port is released; already-terminal deployments are a no-op.
func (m *Manager) Teardown(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	rec, ok := m.deployments[deploymentID]
	m.mu.Unlock()
	if !ok {
		return errors.NotFound("deployment", deploymentID)
	}

	lock := m.agentLock(rec.snapshot().AgentID)
	lock.Lock()
	defer lock.Unlock()

	return m.stopDeployment(ctx, deploymentID)
}

// stopDeployment drives running → stopped. Caller holds the agent lock.
func (m *Manager) stopDeployment(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	rec, ok := m.deployments[deploymentID]
	m.mu.Unlock()
	if !ok {
		return errors.NotFound("deployment", deploymentID)
	}

	if rec.snapshot().State.Terminal() {
		return nil
	}

	if err := m.supervisor.Stop(ctx, deploymentID); err != nil && !errors.IsNotFound(err) {
		return err
	}

	// watch() completes the transition once the exit is observed
	select {
	case <-rec.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failDeployment marks a provisioning deployment failed and clears its live slot.
func (m *Manager) failDeployment(rec *record, cause error) {
	rec.setState(v1.DeploymentStateFailed, cause.Error())
	close(rec.settled)

	m.mu.Lock()
	if m.byAgent[rec.dep.AgentID] == rec.dep.ID {
		delete(m.byAgent, rec.dep.AgentID)
	}
	m.mu.Unlock()

	m.logger.Warn("Deployment failed",
		zap.String("deployment_id", rec.dep.ID),
		zap.String("agent_id", rec.dep.AgentID),
		zap.Error(cause))

	m.publishEvent(events.DeploymentFailed, rec)
}

// watch observes the process exit and completes the terminal transition:
// stopped when the exit was requested, crashed otherwise.
func (m *Manager) watch(rec *record) {
	status := <-rec.handle.Done()

	snap := rec.snapshot()

	m.allocator.Release(snap.Port)

	m.mu.Lock()
	if m.byAgent[snap.AgentID] == snap.ID {
		delete(m.byAgent, snap.AgentID)
	}
	m.mu.Unlock()

	if rec.handle.StopRequested() {
		rec.setState(v1.DeploymentStateStopped, "")
		m.logger.Info("Deployment stopped",
			zap.String("deployment_id", snap.ID),
			zap.String("agent_id", snap.AgentID))
		m.publishEvent(events.DeploymentStopped, rec)
	} else {
		lastError := fmt.Sprintf("process exited unexpectedly with code %d", status.Code)
		rec.setState(v1.DeploymentStateCrashed, lastError)

		m.broker.Publish(&v1.LogEvent{
			Timestamp:    time.Now().UTC(),
			Level:        v1.LogLevelError,
			Message:      lastError,
			DeploymentID: snap.ID,
		})

		m.logger.Error("Deployment crashed",
			zap.String("deployment_id", snap.ID),
			zap.String("agent_id", snap.AgentID),
			zap.Int("exit_code", status.Code))
		m.publishEvent(events.DeploymentCrashed, rec)
	}

	close(rec.settled)
}

// Get returns the current state of one deployment.
func (m *Manager) Get(deploymentID string) (*v1.Deployment, error) {
	m.mu.Lock()
	rec, ok := m.deployments[deploymentID]
	m.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("deployment", deploymentID)
	}
	return rec.snapshot(), nil
}

// List returns every deployment record, oldest first.
func (m *Manager) List() []*v1.Deployment {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.deployments))
	for _, rec := range m.deployments {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	out := make([]*v1.Deployment, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown tears down every live deployment. Used on service stop.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, dep := range m.List() {
		if !dep.State.Terminal() {
			if err := m.Teardown(ctx, dep.ID); err != nil {
				m.logger.Warn("Teardown during shutdown failed",
					zap.String("deployment_id", dep.ID),
					zap.Error(err))
			}
		}
	}
}

func (m *Manager) publishEvent(eventType string, rec *record) {
	if m.bus == nil {
		return
	}
	snap := rec.snapshot()
	event := bus.NewEvent(eventType, "lifecycle-manager", map[string]interface{}{
		"deployment_id": snap.ID,
		"agent_id":      snap.AgentID,
		"role":          string(snap.Role),
		"port":          snap.Port,
		"state":         string(snap.State),
	})
	if err := m.bus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("Failed to publish deployment event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// validateToolEnv checks every tool association against its tool's declared
// required variables: missing names, empty values, and values for names the
// tool never declared are all configuration errors.
func validateToolEnv(agent *v1.AgentConfig) []string {
	var problems []string
	for _, assoc := range agent.Tools {
		declared := make(map[string]bool, len(assoc.Tool.RequiredEnv))
		for _, name := range assoc.Tool.RequiredEnv {
			declared[name] = true
			value, ok := assoc.EnvValues[name]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: missing %s", assoc.Tool.Name, name))
			} else if value == "" {
				problems = append(problems, fmt.Sprintf("%s: empty %s", assoc.Tool.Name, name))
			}
		}
		for name := range assoc.EnvValues {
			if !declared[name] {
				problems = append(problems, fmt.Sprintf("%s: undeclared %s", assoc.Tool.Name, name))
			}
		}
	}
	sort.Strings(problems)
	return problems
}

// mergeAgentEnv builds the process environment from every tool association's
// values plus the agent's own variables. Agent-scoped values win on collision.
func mergeAgentEnv(agent *v1.AgentConfig, deploymentID string) map[string]string {
	env := make(map[string]string)
	for _, assoc := range agent.Tools {
		for k, v := range assoc.EnvValues {
			env[k] = v
		}
	}
	for k, v := range agent.Env {
		env[k] = v
	}

	env["AGENTDECK_AGENT_ID"] = agent.ID
	env["AGENTDECK_DEPLOYMENT_ID"] = deploymentID
	env["AGENTDECK_ROLE"] = string(agent.Role)
	if agent.Model != "" {
		env["AGENTDECK_MODEL"] = agent.Model
	}
	return env
}
