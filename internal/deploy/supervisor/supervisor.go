// Package supervisor runs deployed agent processes and feeds their output
// into the log broker.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// Handle tracks one supervised deployment process.
type Handle struct {
	DeploymentID string
	proc         Process
	done         chan ExitStatus
	exited       chan struct{}
	stopOnce     sync.Once
	stopped      chan struct{}
}

// Done delivers the exit status once, after every output line has been
// published to the broker.
func (h *Handle) Done() <-chan ExitStatus {
	return h.done
}

// StopRequested reports whether Stop was called on this handle. The lifecycle
// uses it to tell a requested stop apart from a crash.
func (h *Handle) StopRequested() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

// Supervisor launches deployment processes, streams their combined output to
// the log broker, and stops them with signal escalation.
type Supervisor struct {
	launcher     Launcher
	broker       *broker.Broker
	graceTimeout time.Duration
	logger       *logger.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// New creates a supervisor using the given launcher.
func New(launcher Launcher, b *broker.Broker, graceTimeout time.Duration, log *logger.Logger) *Supervisor {
	if graceTimeout <= 0 {
		graceTimeout = 10 * time.Second
	}
	return &Supervisor{
		launcher:     launcher,
		broker:       b,
		graceTimeout: graceTimeout,
		logger:       log.WithFields(zap.String("component", "supervisor")),
		handles:      make(map[string]*Handle),
	}
}

// Start launches the process described by spec. Output lines flow to the
// broker in the order the process wrote them; the handle's Done channel fires
// after the last line is published.
func (s *Supervisor) Start(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	s.mu.Lock()
	if _, exists := s.handles[spec.DeploymentID]; exists {
		s.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("deployment '%s' already has a running process", spec.DeploymentID))
	}
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		return nil, errors.LaunchFailed(fmt.Sprintf("failed to launch deployment '%s'", spec.DeploymentID), err)
	}

	h := &Handle{
		DeploymentID: spec.DeploymentID,
		proc:         proc,
		done:         make(chan ExitStatus, 1),
		exited:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[spec.DeploymentID] = h
	s.mu.Unlock()

	go s.pump(h)

	return h, nil
}

// pump publishes output lines until EOF, then forwards the exit status.
// Running both in one goroutine guarantees subscribers see the final log
// lines before the exit is observed.
func (s *Supervisor) pump(h *Handle) {
	for line := range h.proc.Output() {
		s.broker.Publish(&v1.LogEvent{
			Timestamp:    time.Now().UTC(),
			Level:        classifyLine(line),
			Message:      line,
			DeploymentID: h.DeploymentID,
		})
	}

	status := <-h.proc.Done()

	s.mu.Lock()
	delete(s.handles, h.DeploymentID)
	s.mu.Unlock()

	s.logger.Info("Process exited",
		zap.String("deployment_id", h.DeploymentID),
		zap.Int("exit_code", status.Code))

	h.done <- status
	close(h.exited)
}

// Stop terminates a deployment's process: graceful signal first, force-kill
// when the grace window passes. Returns once the signal sequence has run;
// the handle's Done channel reports the actual exit.
func (s *Supervisor) Stop(ctx context.Context, deploymentID string) error {
	s.mu.RLock()
	h, ok := s.handles[deploymentID]
	s.mu.RUnlock()
	if !ok {
		return errors.NotFound("process", deploymentID)
	}
	return s.stopHandle(ctx, h)
}

func (s *Supervisor) stopHandle(ctx context.Context, h *Handle) error {
	h.stopOnce.Do(func() { close(h.stopped) })

	if err := h.proc.Terminate(); err != nil {
		s.logger.Warn("Terminate failed, force killing",
			zap.String("deployment_id", h.DeploymentID),
			zap.Error(err))
		return h.proc.Kill()
	}

	select {
	case <-h.exited:
		// Exited within the grace window; nothing to escalate
		return nil
	case <-time.After(s.graceTimeout):
		s.logger.Warn("Grace timeout expired, force killing",
			zap.String("deployment_id", h.DeploymentID))
		return h.proc.Kill()
	case <-ctx.Done():
		return h.proc.Kill()
	}
}

// Get returns the handle for a deployment, if its process is still tracked.
func (s *Supervisor) Get(deploymentID string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[deploymentID]
	return h, ok
}

// StopAll stops every tracked process. Used on shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.RLock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = s.stopHandle(ctx, h)
		}(h)
	}
	wg.Wait()
}
