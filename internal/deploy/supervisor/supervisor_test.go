package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

func newTestSupervisor(t *testing.T, grace time.Duration) (*Supervisor, *broker.Broker) {
	t.Helper()
	log := logger.Default()
	b := broker.New(log)
	return New(NewLocalLauncher(log), b, grace, log), b
}

func waitExit(t *testing.T, h *Handle) ExitStatus {
	t.Helper()
	select {
	case status := <-h.Done():
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for process exit")
		return ExitStatus{}
	}
}

func TestSupervisor_OutputInOrder(t *testing.T) {
	s, b := newTestSupervisor(t, time.Second)

	sub := b.Subscribe("d1", "test")
	defer sub.Cancel()

	h, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      `for i in 1 2 3 4 5; do echo "line $i"; done`,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitExit(t, h)
	if status.Code != 0 {
		t.Errorf("expected exit code 0, got %d", status.Code)
	}

	for i := 1; i <= 5; i++ {
		select {
		case ev := <-sub.Events():
			want := fmt.Sprintf("line %d", i)
			if ev.Message != want {
				t.Fatalf("expected %q, got %q", want, ev.Message)
			}
			if ev.DeploymentID != "d1" {
				t.Errorf("expected deployment d1, got %q", ev.DeploymentID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for line %d", i)
		}
	}
}

func TestSupervisor_StderrInterleaved(t *testing.T) {
	s, b := newTestSupervisor(t, time.Second)

	sub := b.Subscribe("d1", "test")
	defer sub.Cancel()

	h, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      `echo out1; echo "ERROR: boom" 1>&2; echo out2`,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, h)

	var got []*v1.LogEvent
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if got[0].Message != "out1" || got[1].Message != "ERROR: boom" || got[2].Message != "out2" {
		t.Errorf("lines out of order: %q %q %q", got[0].Message, got[1].Message, got[2].Message)
	}
	if got[1].Level != v1.LogLevelError {
		t.Errorf("expected stderr error line classified as error, got %q", got[1].Level)
	}
	if got[0].Level != v1.LogLevelInfo {
		t.Errorf("expected plain line classified as info, got %q", got[0].Level)
	}
}

func TestSupervisor_ExitCode(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	h, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      "exit 3",
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitExit(t, h)
	if status.Code != 3 {
		t.Errorf("expected exit code 3, got %d", status.Code)
	}
}

func TestSupervisor_PortExported(t *testing.T) {
	s, b := newTestSupervisor(t, time.Second)

	sub := b.Subscribe("d1", "test")
	defer sub.Cancel()

	h, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      `echo "port=$PORT"`,
		Port:         8100,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, h)

	select {
	case ev := <-sub.Events():
		if ev.Message != "port=8100" {
			t.Errorf("expected 'port=8100', got %q", ev.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for port line")
	}
}

func TestSupervisor_StopTerminatesProcess(t *testing.T) {
	s, _ := newTestSupervisor(t, 2*time.Second)

	h, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      "sleep 60",
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Give the shell a moment to exec sleep
	time.Sleep(200 * time.Millisecond)

	if err := s.Stop(context.Background(), "d1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	status := waitExit(t, h)
	if status.Code == 0 {
		t.Error("expected non-zero exit after signal")
	}
	if !h.StopRequested() {
		t.Error("expected StopRequested after Stop")
	}

	if _, ok := s.Get("d1"); ok {
		t.Error("handle should be removed after exit")
	}
}

func TestSupervisor_StopUnknownDeployment(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	if err := s.Stop(context.Background(), "missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestSupervisor_DuplicateStartRejected(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	h, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      "sleep 60",
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      "sleep 60",
	}); err == nil {
		t.Error("expected conflict for duplicate deployment process")
	}

	_ = s.Stop(context.Background(), "d1")
	waitExit(t, h)
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	_, err := s.Start(context.Background(), LaunchSpec{
		DeploymentID: "d1",
		Command:      "",
	})
	if !errors.IsLaunchFailed(err) {
		t.Errorf("expected launch failed error, got %v", err)
	}
}

func TestSupervisor_StopAll(t *testing.T) {
	s, _ := newTestSupervisor(t, 2*time.Second)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Start(context.Background(), LaunchSpec{
			DeploymentID: fmt.Sprintf("d%d", i),
			Command:      "sleep 60",
		})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		handles = append(handles, h)
	}

	time.Sleep(200 * time.Millisecond)
	s.StopAll(context.Background())

	for _, h := range handles {
		waitExit(t, h)
	}
}
