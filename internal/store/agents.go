package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OrchestratorAgentID is the reserved identity for the workspace
// orchestrator. Regular agents use positive IDs.
const OrchestratorAgentID int64 = 0

// --- Agent operations ---

// RegisterAgent inserts the agent if unknown and refreshes its name and
// activity timestamp if already present. Registration is idempotent so
// every process can call it unconditionally at startup.
func (s *Store) RegisterAgent(ctx context.Context, id int64, name string) (*Agent, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, status, last_active_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, last_active_at = excluded.last_active_at, updated_at = excluded.updated_at`,
		id, name, AgentStatusIdle, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("register agent %d: %w", id, err)
	}
	return s.GetAgent(ctx, id)
}

// GetAgent returns an agent by ID, or nil when unknown.
func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	var a Agent
	err := s.ro.GetContext(ctx, &a, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &a, err
}

// ListAgents returns all agents ordered by ID.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	err := s.ro.SelectContext(ctx, &agents, `SELECT * FROM agents ORDER BY id`)
	return agents, err
}

// UpdateAgentStatus transitions an agent's lifecycle status and refreshes
// its activity timestamp.
func (s *Store) UpdateAgentStatus(ctx context.Context, id int64, status string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_active_at = ?, updated_at = ? WHERE id = ?`,
		status, now, now, id)
	if err != nil {
		return fmt.Errorf("update agent %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent not found: %d", id)
	}
	return nil
}

// TouchAgent refreshes an agent's last activity timestamp.
func (s *Store) TouchAgent(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_active_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	return err
}

// RecordAgentTaskOutcome bumps the completed or failed counter for an agent
// after a task reaches a terminal state.
func (s *Store) RecordAgentTaskOutcome(ctx context.Context, id int64, completed bool) error {
	column := "tasks_failed"
	if completed {
		column = "tasks_completed"
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE agents SET %s = %s + 1, last_active_at = ?, updated_at = ? WHERE id = ?`, column, column),
		now, now, id)
	return err
}

// RecordAgentSession bumps the sessions_recorded counter for an agent.
func (s *Store) RecordAgentSession(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET sessions_recorded = sessions_recorded + 1, last_active_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	return err
}
