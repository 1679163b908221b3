package ports

import (
	"fmt"
	"testing"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/errors"
)

func testConfig() config.PortsConfig {
	return config.PortsConfig{
		SinglePort:       8100,
		OrchestratorPort: 8200,
		WorkerBasePort:   8300,
		WorkerMaxPort:    8399,
		CoordinatorPort:  8500,
	}
}

func TestAllocator_LeaseLowestFree(t *testing.T) {
	a := NewAllocator(testConfig())

	p1, err := a.Lease(RoleWorker, "d1")
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if p1 != 8300 {
		t.Errorf("expected first worker port 8300, got %d", p1)
	}

	p2, err := a.Lease(RoleWorker, "d2")
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if p2 != 8301 {
		t.Errorf("expected second worker port 8301, got %d", p2)
	}
}

func TestAllocator_SingleRoleCapacityOne(t *testing.T) {
	a := NewAllocator(testConfig())

	p, err := a.Lease(RoleSingle, "d1")
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if p != 8100 {
		t.Errorf("expected single port 8100, got %d", p)
	}

	if _, err := a.Lease(RoleSingle, "d2"); !errors.IsExhausted(err) {
		t.Errorf("expected exhausted error for second single lease, got %v", err)
	}
}

func TestAllocator_WorkerExhaustion(t *testing.T) {
	a := NewAllocator(testConfig())

	for i := 0; i < 100; i++ {
		if _, err := a.Lease(RoleWorker, fmt.Sprintf("d%d", i)); err != nil {
			t.Fatalf("lease %d failed: %v", i, err)
		}
	}

	if _, err := a.Lease(RoleWorker, "overflow"); !errors.IsExhausted(err) {
		t.Errorf("expected exhausted error after 100 worker leases, got %v", err)
	}
}

func TestAllocator_ReleaseReuse(t *testing.T) {
	a := NewAllocator(testConfig())

	p1, _ := a.Lease(RoleWorker, "d1")
	p2, _ := a.Lease(RoleWorker, "d2")

	a.Release(p1)

	// The freed port becomes the lowest free port again
	p3, err := a.Lease(RoleWorker, "d3")
	if err != nil {
		t.Fatalf("Lease after release failed: %v", err)
	}
	if p3 != p1 {
		t.Errorf("expected released port %d to be reused, got %d", p1, p3)
	}
	if p3 == p2 {
		t.Errorf("reused port collides with a held lease")
	}
}

func TestAllocator_ReleaseIdempotent(t *testing.T) {
	a := NewAllocator(testConfig())

	p, _ := a.Lease(RoleOrchestrator, "d1")
	a.Release(p)
	a.Release(p) // second release is a no-op
	a.Release(9999)

	if a.Holder(p) != nil {
		t.Errorf("port %d should be free after release", p)
	}
}

func TestAllocator_Holder(t *testing.T) {
	a := NewAllocator(testConfig())

	p, _ := a.Lease(RoleCoordinator, "d1")
	lease := a.Holder(p)
	if lease == nil {
		t.Fatal("expected a lease on coordinator port")
	}
	if lease.DeploymentID != "d1" {
		t.Errorf("expected holder 'd1', got %q", lease.DeploymentID)
	}
	if lease.Role != RoleCoordinator {
		t.Errorf("expected role coordinator, got %q", lease.Role)
	}
}

func TestAllocator_UnknownRole(t *testing.T) {
	a := NewAllocator(testConfig())

	if _, err := a.Lease(Role("bogus"), "d1"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestAllocator_LeasedCount(t *testing.T) {
	a := NewAllocator(testConfig())

	a.Lease(RoleWorker, "d1")
	a.Lease(RoleWorker, "d2")
	a.Lease(RoleSingle, "d3")

	if got := a.LeasedCount(RoleWorker); got != 2 {
		t.Errorf("expected 2 worker leases, got %d", got)
	}
	if got := a.LeasedCount(RoleSingle); got != 1 {
		t.Errorf("expected 1 single lease, got %d", got)
	}
}
