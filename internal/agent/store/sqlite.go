package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// SQLiteStore provides SQLite-based agent and tool storage
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		instruction TEXT DEFAULT '',
		model TEXT DEFAULT '',
		role TEXT NOT NULL DEFAULT 'single',
		env TEXT DEFAULT '{}',
		position_x INTEGER DEFAULT 0,
		position_y INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		package TEXT NOT NULL,
		description TEXT DEFAULT '',
		required_env TEXT DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tools (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		tool_id TEXT NOT NULL,
		env_values TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE,
		FOREIGN KEY (tool_id) REFERENCES tools(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_agent_tools_agent_id ON agent_tools(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Agent operations

// CreateAgent creates a new agent configuration
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *v1.AgentConfig) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	agent.CreatedAt = time.Now().UTC()

	env, err := json.Marshal(agent.Env)
	if err != nil {
		env = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, instruction, model, role, env, position_x, position_y, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Instruction, agent.Model, agent.Role, string(env), agent.Position.X, agent.Position.Y, agent.CreatedAt)

	return err
}

// GetAgent retrieves an agent by ID with its tool associations attached
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*v1.AgentConfig, error) {
	agent := &v1.AgentConfig{}
	var env string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, instruction, model, role, env, position_x, position_y, created_at
		FROM agents WHERE id = ?
	`, id).Scan(&agent.ID, &agent.Name, &agent.Instruction, &agent.Model, &agent.Role, &env, &agent.Position.X, &agent.Position.Y, &agent.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, errors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(env), &agent.Env)

	assocs, err := s.ListAssociations(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, assoc := range assocs {
		agent.Tools = append(agent.Tools, *assoc)
	}

	return agent, nil
}

// UpdateAgent updates an existing agent configuration
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *v1.AgentConfig) error {
	env, err := json.Marshal(agent.Env)
	if err != nil {
		env = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, instruction = ?, model = ?, role = ?, env = ?, position_x = ?, position_y = ?
		WHERE id = ?
	`, agent.Name, agent.Instruction, agent.Model, agent.Role, string(env), agent.Position.X, agent.Position.Y, agent.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("agent", agent.ID)
	}
	return nil
}

// DeleteAgent deletes an agent by ID; associations cascade
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("agent", id)
	}
	return nil
}

// ListAgents returns all agents with their tool associations attached
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*v1.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, instruction, model, role, env, position_x, position_y, created_at
		FROM agents ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.AgentConfig
	for rows.Next() {
		agent := &v1.AgentConfig{}
		var env string
		err := rows.Scan(&agent.ID, &agent.Name, &agent.Instruction, &agent.Model, &agent.Role, &env, &agent.Position.X, &agent.Position.Y, &agent.CreatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(env), &agent.Env)
		result = append(result, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, agent := range result {
		assocs, err := s.ListAssociations(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		for _, assoc := range assocs {
			agent.Tools = append(agent.Tools, *assoc)
		}
	}

	return result, nil
}

// Tool operations

// CreateTool registers a new tool definition
func (s *SQLiteStore) CreateTool(ctx context.Context, tool *v1.ToolDefinition) error {
	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	tool.CreatedAt = time.Now().UTC()

	requiredEnv, err := json.Marshal(tool.RequiredEnv)
	if err != nil {
		requiredEnv = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (id, name, package, description, required_env, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tool.ID, tool.Name, tool.Package, tool.Description, string(requiredEnv), tool.CreatedAt)

	return err
}

// GetTool retrieves a tool definition by ID
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*v1.ToolDefinition, error) {
	tool := &v1.ToolDefinition{}
	var requiredEnv string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, package, description, required_env, created_at
		FROM tools WHERE id = ?
	`, id).Scan(&tool.ID, &tool.Name, &tool.Package, &tool.Description, &requiredEnv, &tool.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, errors.NotFound("tool", id)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(requiredEnv), &tool.RequiredEnv)
	return tool, nil
}

// DeleteTool deletes a tool definition by ID; associations cascade
func (s *SQLiteStore) DeleteTool(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("tool", id)
	}
	return nil
}

// ListTools returns all tool definitions
func (s *SQLiteStore) ListTools(ctx context.Context) ([]*v1.ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, package, description, required_env, created_at
		FROM tools ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.ToolDefinition
	for rows.Next() {
		tool := &v1.ToolDefinition{}
		var requiredEnv string
		err := rows.Scan(&tool.ID, &tool.Name, &tool.Package, &tool.Description, &requiredEnv, &tool.CreatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(requiredEnv), &tool.RequiredEnv)
		result = append(result, tool)
	}
	return result, rows.Err()
}

// Association operations

// CreateAssociation binds a tool to an agent
func (s *SQLiteStore) CreateAssociation(ctx context.Context, agentID string, assoc *v1.ToolAssociation) error {
	if _, err := s.GetTool(ctx, assoc.Tool.ID); err != nil {
		return err
	}

	if assoc.ID == "" {
		assoc.ID = uuid.New().String()
	}
	assoc.CreatedAt = time.Now().UTC()

	envValues, err := json.Marshal(assoc.EnvValues)
	if err != nil {
		envValues = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_tools (id, agent_id, tool_id, env_values, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, assoc.ID, agentID, assoc.Tool.ID, string(envValues), assoc.CreatedAt)

	return err
}

// DeleteAssociation removes a tool binding from an agent
func (s *SQLiteStore) DeleteAssociation(ctx context.Context, agentID, assocID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_tools WHERE id = ? AND agent_id = ?
	`, assocID, agentID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("association", assocID)
	}
	return nil
}

// ListAssociations returns all tool associations for an agent, tool attached
func (s *SQLiteStore) ListAssociations(ctx context.Context, agentID string) ([]*v1.ToolAssociation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at.id, at.env_values, at.created_at,
		       t.id, t.name, t.package, t.description, t.required_env, t.created_at
		FROM agent_tools at
		JOIN tools t ON t.id = at.tool_id
		WHERE at.agent_id = ?
		ORDER BY at.created_at
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.ToolAssociation
	for rows.Next() {
		assoc := &v1.ToolAssociation{}
		var envValues, requiredEnv string
		err := rows.Scan(&assoc.ID, &envValues, &assoc.CreatedAt,
			&assoc.Tool.ID, &assoc.Tool.Name, &assoc.Tool.Package, &assoc.Tool.Description, &requiredEnv, &assoc.Tool.CreatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(envValues), &assoc.EnvValues)
		_ = json.Unmarshal([]byte(requiredEnv), &assoc.Tool.RequiredEnv)
		result = append(result, assoc)
	}
	return result, rows.Err()
}
