package v1

import "time"

// AgentRole determines which port range a deployment draws from and whether
// the agent participates in A2A coordination.
type AgentRole string

const (
	AgentRoleSingle       AgentRole = "single"
	AgentRoleOrchestrator AgentRole = "orchestrator"
	AgentRoleWorker       AgentRole = "worker"
)

// Valid reports whether the role is one of the known agent roles.
func (r AgentRole) Valid() bool {
	switch r {
	case AgentRoleSingle, AgentRoleOrchestrator, AgentRoleWorker:
		return true
	}
	return false
}

// Position is the agent's canvas coordinate. It is persisted for the
// authoring UI and carried opaquely by the deployment core.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ToolDefinition is a reusable tool the authoring layer registers once and
// agents bind to through associations.
type ToolDefinition struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Package     string    `json:"package"`
	Description string    `json:"description"`
	RequiredEnv []string  `json:"required_env"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolAssociation binds an agent to a tool definition together with the
// concrete environment values that tool instance requires.
type ToolAssociation struct {
	ID        string            `json:"id"`
	Tool      ToolDefinition    `json:"tool"`
	EnvValues map[string]string `json:"env_values"`
	CreatedAt time.Time         `json:"created_at"`
}

// AgentConfig is an authored agent configuration. The deployment core treats
// it as read-only input produced by the authoring layer.
type AgentConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Instruction string            `json:"instruction"`
	Model       string            `json:"model"`
	Role        AgentRole         `json:"role"`
	Env         map[string]string `json:"env,omitempty"`
	Tools       []ToolAssociation `json:"tools,omitempty"`
	Position    Position          `json:"position"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DeploymentState is the lifecycle state of a deployment.
type DeploymentState string

const (
	DeploymentStatePending      DeploymentState = "pending"
	DeploymentStateProvisioning DeploymentState = "provisioning"
	DeploymentStateRunning      DeploymentState = "running"
	DeploymentStateStopped      DeploymentState = "stopped"
	DeploymentStateFailed       DeploymentState = "failed"
	DeploymentStateCrashed      DeploymentState = "crashed"
)

// Terminal reports whether the state admits no further transitions.
func (s DeploymentState) Terminal() bool {
	switch s {
	case DeploymentStateStopped, DeploymentStateFailed, DeploymentStateCrashed:
		return true
	}
	return false
}

// Deployment is the externally visible record of one deployed agent process.
type Deployment struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Role      AgentRole       `json:"role"`
	Port      int             `json:"port"`
	State     DeploymentState `json:"state"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogEvent is one line of deployment output, immutable once emitted.
type LogEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Level        LogLevel  `json:"level"`
	Message      string    `json:"message"`
	DeploymentID string    `json:"deployment_id"`
}
