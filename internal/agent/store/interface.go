// Package store persists authored agent configurations, tool definitions,
// and agent-tool associations.
package store

import (
	"context"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// Store defines the interface for agent and tool storage operations
type Store interface {
	// Agent operations
	CreateAgent(ctx context.Context, agent *v1.AgentConfig) error
	GetAgent(ctx context.Context, id string) (*v1.AgentConfig, error)
	UpdateAgent(ctx context.Context, agent *v1.AgentConfig) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*v1.AgentConfig, error)

	// Tool operations
	CreateTool(ctx context.Context, tool *v1.ToolDefinition) error
	GetTool(ctx context.Context, id string) (*v1.ToolDefinition, error)
	DeleteTool(ctx context.Context, id string) error
	ListTools(ctx context.Context) ([]*v1.ToolDefinition, error)

	// Association operations
	CreateAssociation(ctx context.Context, agentID string, assoc *v1.ToolAssociation) error
	DeleteAssociation(ctx context.Context, agentID, assocID string) error
	ListAssociations(ctx context.Context, agentID string) ([]*v1.ToolAssociation, error)

	// Close closes the store (for database connections)
	Close() error
}
