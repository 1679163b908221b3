// Package events defines the event subjects published on the Agentdeck event bus.
package events

// Event types for deployments
const (
	DeploymentStarted = "deployment.started"
	DeploymentStopped = "deployment.stopped"
	DeploymentFailed  = "deployment.failed"
	DeploymentCrashed = "deployment.crashed"
)

// DeploymentAll matches every deployment lifecycle event.
const DeploymentAll = "deployment.*"

// Event types for A2A coordination
const (
	A2ARegistered   = "a2a.registered"
	A2ADeregistered = "a2a.deregistered"
)
