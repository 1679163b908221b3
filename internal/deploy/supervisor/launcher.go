package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// LaunchSpec describes one agent process to run.
type LaunchSpec struct {
	DeploymentID string
	AgentID      string
	Command      string // Shell command, executed via sh -lc
	WorkingDir   string
	Env          map[string]string // Merged over the parent environment
	Port         int               // Exported to the process as PORT
	Image        string            // Container image; used by the docker runtime only
}

// ExitStatus is the terminal result of a launched process.
type ExitStatus struct {
	Code int
	Err  error
}

// Process is one running agent runtime instance.
type Process interface {
	// Output streams combined stdout/stderr one line at a time, in the
	// order the process wrote them. Closed when the process exits.
	Output() <-chan string

	// Done delivers the exit status once, after Output has closed.
	Done() <-chan ExitStatus

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill forcibly ends the process.
	Kill() error
}

// Launcher starts agent processes. Implementations cover the local runtime
// (os/exec) and the docker runtime.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// LocalLauncher runs agent processes directly on the host.
type LocalLauncher struct {
	logger *logger.Logger
}

// NewLocalLauncher creates a launcher for host processes.
func NewLocalLauncher(log *logger.Logger) *LocalLauncher {
	return &LocalLauncher{
		logger: log.WithFields(zap.String("component", "local-launcher")),
	}
}

type localProcess struct {
	cmd    *exec.Cmd
	output chan string
	done   chan ExitStatus
	logger *logger.Logger
}

// Launch spawns the command via "sh -lc" in its own process group. Stdout and
// stderr share a single pipe so line order matches what the process wrote.
func (l *LocalLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.Command("sh", "-lc", spec.Command)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	cmd.Env = mergeEnv(spec.Env, spec.Port)
	// New process group so a stop covers the whole subprocess tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// The child holds its own copy of the write end; closing ours lets the
	// reader see EOF when the child exits.
	w.Close()

	p := &localProcess{
		cmd:    cmd,
		output: make(chan string, 256),
		done:   make(chan ExitStatus, 1),
		logger: l.logger.WithDeploymentID(spec.DeploymentID),
	}

	go p.readOutput(r)
	go p.wait()

	l.logger.Info("Process started",
		zap.String("deployment_id", spec.DeploymentID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", spec.Port))
	return p, nil
}

func (p *localProcess) Output() <-chan string {
	return p.output
}

func (p *localProcess) Done() <-chan ExitStatus {
	return p.done
}

func (p *localProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *localProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *localProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Signal the whole process group; fall back to the main process if the
	// group is already gone.
	if pgid, err := syscall.Getpgid(p.cmd.Process.Pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return p.cmd.Process.Signal(sig)
}

func (p *localProcess) readOutput(r *os.File) {
	defer close(p.output)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.output <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("process output read error", zap.Error(err))
	}
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = waitStatus.ExitStatus()
			} else {
				exitCode = 1
			}
		} else {
			exitCode = 1
		}
	}

	p.done <- ExitStatus{Code: exitCode, Err: err}
}

// mergeEnv merges deployment environment variables over the parent process
// environment and exports the leased port as PORT.
func mergeEnv(env map[string]string, port int) []string {
	base := make(map[string]string, len(env)+1)

	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}

	for k, v := range env {
		base[k] = v
	}
	if port > 0 {
		base["PORT"] = fmt.Sprintf("%d", port)
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
