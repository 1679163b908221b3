package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// MemoryStore provides in-memory agent and tool storage
type MemoryStore struct {
	agents       map[string]*v1.AgentConfig
	tools        map[string]*v1.ToolDefinition
	associations map[string][]*v1.ToolAssociation // keyed by agent ID
	mu           sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory agent store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*v1.AgentConfig),
		tools:        make(map[string]*v1.ToolDefinition),
		associations: make(map[string][]*v1.ToolAssociation),
	}
}

// Close is a no-op for in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Agent operations

// CreateAgent creates a new agent configuration
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *v1.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	agent.CreatedAt = time.Now().UTC()

	s.agents[agent.ID] = agent
	return nil
}

// GetAgent retrieves an agent by ID with its tool associations attached
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*v1.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, errors.NotFound("agent", id)
	}

	out := *agent
	out.Tools = nil
	for _, assoc := range s.associations[id] {
		out.Tools = append(out.Tools, *assoc)
	}
	return &out, nil
}

// UpdateAgent updates an existing agent configuration
func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *v1.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.ID]
	if !ok {
		return errors.NotFound("agent", agent.ID)
	}
	agent.CreatedAt = existing.CreatedAt
	s.agents[agent.ID] = agent
	return nil
}

// DeleteAgent deletes an agent and its tool associations
func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return errors.NotFound("agent", id)
	}
	delete(s.agents, id)
	delete(s.associations, id)
	return nil
}

// ListAgents returns all agents ordered by creation time
func (s *MemoryStore) ListAgents(ctx context.Context) ([]*v1.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*v1.AgentConfig
	for id := range s.agents {
		agent := *s.agents[id]
		agent.Tools = nil
		for _, assoc := range s.associations[id] {
			agent.Tools = append(agent.Tools, *assoc)
		}
		result = append(result, &agent)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Tool operations

// CreateTool registers a new tool definition
func (s *MemoryStore) CreateTool(ctx context.Context, tool *v1.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	tool.CreatedAt = time.Now().UTC()

	s.tools[tool.ID] = tool
	return nil
}

// GetTool retrieves a tool definition by ID
func (s *MemoryStore) GetTool(ctx context.Context, id string) (*v1.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[id]
	if !ok {
		return nil, errors.NotFound("tool", id)
	}
	return tool, nil
}

// DeleteTool deletes a tool definition by ID
func (s *MemoryStore) DeleteTool(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tools[id]; !ok {
		return errors.NotFound("tool", id)
	}
	delete(s.tools, id)
	return nil
}

// ListTools returns all tool definitions
func (s *MemoryStore) ListTools(ctx context.Context) ([]*v1.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*v1.ToolDefinition
	for _, tool := range s.tools {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Association operations

// CreateAssociation binds a tool to an agent
func (s *MemoryStore) CreateAssociation(ctx context.Context, agentID string, assoc *v1.ToolAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return errors.NotFound("agent", agentID)
	}
	if _, ok := s.tools[assoc.Tool.ID]; !ok {
		return errors.NotFound("tool", assoc.Tool.ID)
	}

	if assoc.ID == "" {
		assoc.ID = uuid.New().String()
	}
	assoc.CreatedAt = time.Now().UTC()

	s.associations[agentID] = append(s.associations[agentID], assoc)
	return nil
}

// DeleteAssociation removes a tool binding from an agent
func (s *MemoryStore) DeleteAssociation(ctx context.Context, agentID, assocID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	assocs := s.associations[agentID]
	for i, assoc := range assocs {
		if assoc.ID == assocID {
			s.associations[agentID] = append(assocs[:i], assocs[i+1:]...)
			return nil
		}
	}
	return errors.NotFound("association", assocID)
}

// ListAssociations returns all tool associations for an agent
func (s *MemoryStore) ListAssociations(ctx context.Context, agentID string) ([]*v1.ToolAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.agents[agentID]; !ok {
		return nil, errors.NotFound("agent", agentID)
	}
	return s.associations[agentID], nil
}
