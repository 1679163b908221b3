package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/deploy/docker"
)

// DockerLauncher runs agent processes as containers.
type DockerLauncher struct {
	client       *docker.Client
	defaultImage string
	logger       *logger.Logger
}

// NewDockerLauncher creates a launcher backed by the Docker daemon.
func NewDockerLauncher(cfg config.DockerConfig, log *logger.Logger) (*DockerLauncher, error) {
	cli, err := docker.NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &DockerLauncher{
		client:       cli,
		defaultImage: cfg.Image,
		logger:       log.WithFields(zap.String("component", "docker-launcher")),
	}, nil
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

type dockerProcess struct {
	client      *docker.Client
	containerID string
	output      chan string
	done        chan ExitStatus
	logger      *logger.Logger
}

// Launch creates and starts a container for the deployment, then follows its
// combined log stream.
func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	image := spec.Image
	if image == "" {
		image = l.defaultImage
	}
	if image == "" {
		return nil, fmt.Errorf("no container image configured")
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if spec.Port > 0 {
		env = append(env, fmt.Sprintf("PORT=%d", spec.Port))
	}

	cfg := docker.ContainerConfig{
		Name:       "agentdeck-" + spec.DeploymentID,
		Image:      image,
		Cmd:        []string{"sh", "-lc", spec.Command},
		Env:        env,
		WorkingDir: spec.WorkingDir,
		Labels: map[string]string{
			"agentdeck.deployment_id": spec.DeploymentID,
			"agentdeck.agent_id":      spec.AgentID,
		},
		Port: spec.Port,
	}

	containerID, err := l.client.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := l.client.StartContainer(ctx, containerID); err != nil {
		_ = l.client.RemoveContainer(context.Background(), containerID, true)
		return nil, err
	}

	logs, err := l.client.ContainerLogs(context.Background(), containerID, true)
	if err != nil {
		_ = l.client.RemoveContainer(context.Background(), containerID, true)
		return nil, err
	}

	p := &dockerProcess{
		client:      l.client,
		containerID: containerID,
		output:      make(chan string, 256),
		done:        make(chan ExitStatus, 1),
		logger:      l.logger.WithDeploymentID(spec.DeploymentID),
	}

	go p.readOutput(logs)
	go p.wait()

	return p, nil
}

func (p *dockerProcess) Output() <-chan string {
	return p.output
}

func (p *dockerProcess) Done() <-chan ExitStatus {
	return p.done
}

func (p *dockerProcess) Terminate() error {
	// Let the daemon handle the signal escalation after our own grace window
	return p.client.StopContainer(context.Background(), p.containerID, time.Second)
}

func (p *dockerProcess) Kill() error {
	return p.client.KillContainer(context.Background(), p.containerID, "SIGKILL")
}

// readOutput demultiplexes the Docker log stream into plain lines. Stdout and
// stderr share one pipe so ordering follows the multiplexed stream.
func (p *dockerProcess) readOutput(logs io.ReadCloser) {
	defer close(p.output)
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.output <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("container log read error", zap.Error(err))
	}
}

func (p *dockerProcess) wait() {
	code, err := p.client.WaitContainer(context.Background(), p.containerID)

	_ = p.client.RemoveContainer(context.Background(), p.containerID, true)

	p.done <- ExitStatus{Code: int(code), Err: err}
}
