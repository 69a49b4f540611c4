package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MissionFilter narrows ListMissions. Zero values mean "no constraint".
type MissionFilter struct {
	Status string
	Limit  int
}

// --- Mission operations ---

// CreateMission persists a new mission in queued state.
func (s *Store) CreateMission(ctx context.Context, m *Mission) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Status = TaskStatusQueued
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missions (id, title, prompt, status, timeout_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.Prompt, m.Status, m.TimeoutMs, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

// GetMission returns a mission by ID, or nil when unknown.
func (s *Store) GetMission(ctx context.Context, id string) (*Mission, error) {
	var m Mission
	err := s.ro.GetContext(ctx, &m, `SELECT * FROM missions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &m, err
}

// ListMissions returns missions matching the filter, newest first.
func (s *Store) ListMissions(ctx context.Context, filter MissionFilter) ([]*Mission, error) {
	query := `SELECT * FROM missions WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var missions []*Mission
	err := s.ro.SelectContext(ctx, &missions, query, args...)
	return missions, err
}

// DequeueMission takes the oldest queued mission for the given agent and
// execution, or returns nil when the queue is empty. Select and claim run
// in one immediate write transaction, so two pollers can never take the
// same mission even from separate processes.
func (s *Store) DequeueMission(ctx context.Context, agentID int64, executionID string) (*Mission, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	var m Mission
	err = tx.GetContext(ctx, &m,
		`SELECT * FROM missions WHERE status = ? ORDER BY created_at LIMIT 1`, TaskStatusQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queued mission: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE missions SET status = ?, agent_id = ?, execution_id = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskStatusRunning, agentID, executionID, now, now, m.ID, TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claim mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}

	m.Status = TaskStatusRunning
	m.AgentID = &agentID
	m.ExecutionID = &executionID
	m.StartedAt = &now
	m.UpdatedAt = now
	return &m, nil
}

// CompleteMission finishes a running mission. Only the execution that
// dequeued it may complete it.
func (s *Store) CompleteMission(ctx context.Context, id, executionID, result string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions SET status = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND execution_id = ? AND status = ?`,
		TaskStatusCompleted, result, now, now, id, executionID, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("complete mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete mission %s: not held by execution %s", id, executionID)
	}
	return nil
}

// FailMission fails a running mission. Missions do not retry; a failed
// mission is terminal and its tasks are cancelled by the service layer.
func (s *Store) FailMission(ctx context.Context, id, executionID, lastError string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND execution_id = ? AND status = ?`,
		TaskStatusFailed, lastError, now, now, id, executionID, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("fail mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail mission %s: not held by execution %s", id, executionID)
	}
	return nil
}

// CancelMission cancels a queued or running mission.
func (s *Store) CancelMission(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		TaskStatusCancelled, now, now, id, TaskStatusQueued, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("cancel mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		m, err := s.GetMission(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("mission not found: %s", id)
		}
		return fmt.Errorf("cancel mission %s: already %s", id, m.Status)
	}
	return nil
}

// StuckRunningMissions returns running missions that have exceeded their
// execution budget. Missions without an explicit timeout use defaultTimeout.
func (s *Store) StuckRunningMissions(ctx context.Context, defaultTimeout time.Duration) ([]*Mission, error) {
	now := time.Now().UTC()
	var missions []*Mission
	err := s.ro.SelectContext(ctx, &missions, `
		SELECT * FROM missions
		WHERE status = ? AND started_at IS NOT NULL
		  AND ((timeout_ms > 0 AND (julianday(?) - julianday(started_at)) * 86400000.0 >= timeout_ms)
		    OR (timeout_ms = 0 AND started_at <= ?))`,
		TaskStatusRunning, now, now.Add(-defaultTimeout))
	return missions, err
}
