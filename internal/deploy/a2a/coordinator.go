// Package a2a maintains the orchestrator-to-worker coordination directory
// for multi-agent deployments.
package a2a

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// Registration is one orchestrator→worker directory entry.
type Registration struct {
	OrchestratorID string    `json:"orchestrator_id"`
	WorkerID       string    `json:"worker_id"`
	WorkerPort     int       `json:"worker_port"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// DeploymentGetter resolves a deployment's current state. Satisfied by the
// lifecycle manager.
type DeploymentGetter interface {
	Get(deploymentID string) (*v1.Deployment, error)
}

// Coordinator is a liveness-consistent directory: registrations exist only
// while both sides are running. It does not route traffic; deployed processes
// talk peer-to-peer using the registered endpoints.
type Coordinator struct {
	deployments DeploymentGetter
	bus         bus.EventBus
	logger      *logger.Logger

	mu      sync.Mutex
	workers map[string]map[string]Registration // orchestrator ID -> worker ID -> entry
	subs    []bus.Subscription
}

// NewCoordinator creates the A2A directory.
func NewCoordinator(deps DeploymentGetter, eventBus bus.EventBus, log *logger.Logger) *Coordinator {
	return &Coordinator{
		deployments: deps,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "a2a-coordinator")),
		workers:     make(map[string]map[string]Registration),
	}
}

// Start subscribes to deployment lifecycle events so entries referencing a
// dead deployment are removed automatically.
func (c *Coordinator) Start() error {
	sub, err := c.bus.Subscribe(events.DeploymentAll, c.onDeploymentDown)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.DeploymentAll, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Close removes the event subscriptions.
func (c *Coordinator) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

// Register adds a worker to an orchestrator's directory. Both deployments
// must currently be running.
func (c *Coordinator) Register(orchestratorID, workerID string) error {
	if _, err := c.requireRunning(orchestratorID, v1.AgentRoleOrchestrator); err != nil {
		return err
	}
	worker, err := c.requireRunning(workerID, v1.AgentRoleWorker)
	if err != nil {
		return err
	}

	c.mu.Lock()
	set, ok := c.workers[orchestratorID]
	if !ok {
		set = make(map[string]Registration)
		c.workers[orchestratorID] = set
	}
	set[workerID] = Registration{
		OrchestratorID: orchestratorID,
		WorkerID:       workerID,
		WorkerPort:     worker.Port,
		RegisteredAt:   time.Now().UTC(),
	}
	c.mu.Unlock()

	// Either side can die between the liveness check and the insert, with its
	// down event handled before the entry existed. Re-checking after the
	// insert closes that window: the event handler sees the entry, or this
	// re-check sees the terminal state.
	if err := c.recheckLive(orchestratorID, workerID); err != nil {
		// Never announced, so removal is silent
		c.mu.Lock()
		if set, ok := c.workers[orchestratorID]; ok {
			delete(set, workerID)
			if len(set) == 0 {
				delete(c.workers, orchestratorID)
			}
		}
		c.mu.Unlock()
		return err
	}

	c.logger.Info("Worker registered",
		zap.String("orchestrator_id", orchestratorID),
		zap.String("worker_id", workerID),
		zap.Int("worker_port", worker.Port))

	c.publish(events.A2ARegistered, orchestratorID, workerID)
	return nil
}

func (c *Coordinator) recheckLive(orchestratorID, workerID string) error {
	if _, err := c.requireRunning(orchestratorID, v1.AgentRoleOrchestrator); err != nil {
		return err
	}
	if _, err := c.requireRunning(workerID, v1.AgentRoleWorker); err != nil {
		return err
	}
	return nil
}

// Deregister removes a worker from an orchestrator's directory. Removing an
// absent entry is a no-op.
func (c *Coordinator) Deregister(orchestratorID, workerID string) {
	c.mu.Lock()
	set, ok := c.workers[orchestratorID]
	if ok {
		if _, present := set[workerID]; present {
			delete(set, workerID)
			if len(set) == 0 {
				delete(c.workers, orchestratorID)
			}
			c.mu.Unlock()
			c.publish(events.A2ADeregistered, orchestratorID, workerID)
			return
		}
	}
	c.mu.Unlock()
}

// Workers returns the orchestrator's current directory entries.
func (c *Coordinator) Workers(orchestratorID string) []Registration {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.workers[orchestratorID]
	out := make([]Registration, 0, len(set))
	for _, reg := range set {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (c *Coordinator) requireRunning(deploymentID string, role v1.AgentRole) (*v1.Deployment, error) {
	dep, err := c.deployments.Get(deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Role != role {
		return nil, errors.BadRequest(fmt.Sprintf("deployment '%s' has role '%s', expected '%s'", deploymentID, dep.Role, role))
	}
	if dep.State != v1.DeploymentStateRunning {
		return nil, errors.NotReady(fmt.Sprintf("deployment '%s' is '%s', registration requires running", deploymentID, dep.State))
	}
	return dep, nil
}

// onDeploymentDown drops every entry that references the dead deployment.
// Non-terminal lifecycle events are ignored.
func (c *Coordinator) onDeploymentDown(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.DeploymentStopped, events.DeploymentCrashed:
	default:
		return nil
	}

	deploymentID, _ := event.Data["deployment_id"].(string)
	if deploymentID == "" {
		return nil
	}

	type pair struct{ orch, worker string }
	var removed []pair

	c.mu.Lock()
	if set, ok := c.workers[deploymentID]; ok {
		for workerID := range set {
			removed = append(removed, pair{deploymentID, workerID})
		}
		delete(c.workers, deploymentID)
	}
	for orchID, set := range c.workers {
		if _, ok := set[deploymentID]; ok {
			delete(set, deploymentID)
			if len(set) == 0 {
				delete(c.workers, orchID)
			}
			removed = append(removed, pair{orchID, deploymentID})
		}
	}
	c.mu.Unlock()

	for _, p := range removed {
		c.logger.Info("Registration removed, deployment left running state",
			zap.String("orchestrator_id", p.orch),
			zap.String("worker_id", p.worker),
			zap.String("deployment_id", deploymentID))
		c.publish(events.A2ADeregistered, p.orch, p.worker)
	}
	return nil
}

func (c *Coordinator) publish(eventType, orchestratorID, workerID string) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "a2a-coordinator", map[string]interface{}{
		"orchestrator_id": orchestratorID,
		"worker_id":       workerID,
	})
	if err := c.bus.Publish(context.Background(), eventType, event); err != nil {
		c.logger.Warn("Failed to publish a2a event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
