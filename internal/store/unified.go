package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UnifiedTaskFilter narrows ListUnifiedTasks. Zero values mean "no
// constraint".
type UnifiedTaskFilter struct {
	Domain      string
	Status      string
	SessionID   string
	ProjectPath string
	SyncStatus  string
	Limit       int
	Offset      int
}

// TaskRollup summarizes unified task progress for a session or project.
type TaskRollup struct {
	Total      int64 `json:"total" db:"total"`
	Pending    int64 `json:"pending" db:"pending"`
	InProgress int64 `json:"in_progress" db:"in_progress"`
	Done       int64 `json:"done" db:"done"`
	Blocked    int64 `json:"blocked" db:"blocked"`
}

// --- Unified task operations ---

// CreateUnifiedTask persists a new work item.
func (s *Store) CreateUnifiedTask(ctx context.Context, t *UnifiedTask) error {
	if t.Domain == "" {
		t.Domain = DomainProject
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.Status == "" {
		t.Status = UnifiedStatusPending
	}
	if t.GitHubSyncStatus == "" {
		// System tasks without an issue yet are owed one: they enter the
		// sync queue as pending until the GitHub sweep creates the issue.
		if t.Domain == DomainSystem && t.GitHubIssueNumber == 0 {
			t.GitHubSyncStatus = SyncStatusPending
		} else {
			t.GitHubSyncStatus = SyncStatusLocalOnly
		}
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO unified_tasks (title, description, domain, priority, status, session_id, agent_id, project_path,
			github_issue_number, github_issue_url, github_repo, github_sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Title, t.Description, t.Domain, t.Priority, t.Status, t.SessionID, t.AgentID, t.ProjectPath,
		t.GitHubIssueNumber, t.GitHubIssueURL, t.GitHubRepo, t.GitHubSyncStatus, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert unified task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("unified task id: %w", err)
	}
	return nil
}

// GetUnifiedTask returns a work item by ID, or nil when unknown.
func (s *Store) GetUnifiedTask(ctx context.Context, id int64) (*UnifiedTask, error) {
	var t UnifiedTask
	err := s.ro.GetContext(ctx, &t, `SELECT * FROM unified_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &t, err
}

// ListUnifiedTasks returns work items matching the filter. Open items come
// first, then by recency.
func (s *Store) ListUnifiedTasks(ctx context.Context, filter UnifiedTaskFilter) ([]*UnifiedTask, error) {
	query := `SELECT * FROM unified_tasks WHERE 1=1`
	args := []interface{}{}

	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.ProjectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, filter.ProjectPath)
	}
	if filter.SyncStatus != "" {
		query += ` AND github_sync_status = ?`
		args = append(args, filter.SyncStatus)
	}

	query += ` ORDER BY CASE status WHEN 'in_progress' THEN 0 WHEN 'pending' THEN 1 WHEN 'blocked' THEN 2 ELSE 3 END, updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	var tasks []*UnifiedTask
	err := s.ro.SelectContext(ctx, &tasks, query, args...)
	return tasks, err
}

// UpdateUnifiedTaskStatus transitions a work item. Reaching done stamps
// completed_at; leaving done clears it.
func (s *Store) UpdateUnifiedTaskStatus(ctx context.Context, id int64, status string) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status == UnifiedStatusDone {
		completedAt = &now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE unified_tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("update unified task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unified task not found: %d", id)
	}
	return nil
}

// UpdateUnifiedTask rewrites the descriptive fields of a work item.
func (s *Store) UpdateUnifiedTask(ctx context.Context, t *UnifiedTask) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE unified_tasks SET title = ?, description = ?, domain = ?, priority = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, t.Domain, t.Priority, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update unified task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unified task not found: %d", t.ID)
	}
	return nil
}

// DeleteUnifiedTask removes a work item by ID.
func (s *Store) DeleteUnifiedTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM unified_tasks WHERE id = ?`, id)
	return err
}

// SessionTaskRollup counts a session's work items by status.
func (s *Store) SessionTaskRollup(ctx context.Context, sessionID string) (*TaskRollup, error) {
	var r TaskRollup
	err := s.ro.GetContext(ctx, &r, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0) AS in_progress,
			COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0) AS done,
			COALESCE(SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END), 0) AS blocked
		FROM unified_tasks WHERE session_id = ?`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("session rollup: %w", err)
	}
	return &r, nil
}

// MarkGitHubSynced records a successful issue sync for a work item.
func (s *Store) MarkGitHubSynced(ctx context.Context, id, issueNumber int64, issueURL, repo string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE unified_tasks SET github_issue_number = ?, github_issue_url = ?, github_repo = ?,
			github_sync_status = ?, updated_at = ?
		WHERE id = ?`,
		issueNumber, issueURL, repo, SyncStatusSynced, now, id)
	return err
}

// MarkGitHubSyncError flags a work item whose issue sync failed so the
// syncer can surface and later retry it.
func (s *Store) MarkGitHubSyncError(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE unified_tasks SET github_sync_status = ?, updated_at = ? WHERE id = ?`,
		SyncStatusError, now, id)
	return err
}

// RequestGitHubSync marks a work item for the next sync sweep.
func (s *Store) RequestGitHubSync(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE unified_tasks SET github_sync_status = ?, updated_at = ? WHERE id = ?`,
		SyncStatusPending, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unified task not found: %d", id)
	}
	return nil
}
