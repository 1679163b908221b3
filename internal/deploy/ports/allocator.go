// Package ports manages the fixed port ranges agent deployments bind to.
package ports

import (
	"sync"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/errors"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// Role selects which port range a lease draws from. Agent roles map onto
// allocator roles directly; Coordinator is held by the orchestrator's A2A
// coordination endpoint rather than an agent.
type Role string

const (
	RoleSingle       Role = "single"
	RoleOrchestrator Role = "orchestrator"
	RoleWorker       Role = "worker"
	RoleCoordinator  Role = "coordinator"
)

// RoleFor maps an agent role to its allocator role.
func RoleFor(role v1.AgentRole) Role {
	return Role(role)
}

type portRange struct {
	base int
	max  int
}

// Lease records which deployment holds a port.
type Lease struct {
	Port         int
	Role         Role
	DeploymentID string
}

// Allocator hands out ports from per-role ranges. Ports are an external
// contract: other tooling reaches deployed agents at these addresses, so
// ranges are fixed by configuration rather than OS-assigned.
type Allocator struct {
	ranges map[Role]portRange
	leased map[int]*Lease
	mu     sync.Mutex
}

// NewAllocator creates an allocator from the configured port ranges.
func NewAllocator(cfg config.PortsConfig) *Allocator {
	return &Allocator{
		ranges: map[Role]portRange{
			RoleSingle:       {base: cfg.SinglePort, max: cfg.SinglePort},
			RoleOrchestrator: {base: cfg.OrchestratorPort, max: cfg.OrchestratorPort},
			RoleWorker:       {base: cfg.WorkerBasePort, max: cfg.WorkerMaxPort},
			RoleCoordinator:  {base: cfg.CoordinatorPort, max: cfg.CoordinatorPort},
		},
		leased: make(map[int]*Lease),
	}
}

// Lease reserves the lowest free port in the role's range for a deployment.
// Returns a PORT_EXHAUSTED error when every port in the range is held.
func (a *Allocator) Lease(role Role, deploymentID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.ranges[role]
	if !ok {
		return 0, errors.BadRequest("unknown port role: " + string(role))
	}

	for port := r.base; port <= r.max; port++ {
		if _, held := a.leased[port]; held {
			continue
		}
		a.leased[port] = &Lease{Port: port, Role: role, DeploymentID: deploymentID}
		return port, nil
	}

	return 0, errors.Exhausted(string(role))
}

// Release frees a leased port. Releasing a port that is not leased is a
// no-op so teardown paths can release unconditionally.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Holder returns the lease on a port, or nil when the port is free.
func (a *Allocator) Holder(port int) *Lease {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.leased[port]
	if !ok {
		return nil
	}
	out := *lease
	return &out
}

// LeasedCount returns how many ports in the role's range are currently held.
func (a *Allocator) LeasedCount(role Role) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for _, lease := range a.leased {
		if lease.Role == role {
			count++
		}
	}
	return count
}
