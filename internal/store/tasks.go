package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/matrixfabric/matrixfabric/internal/common/constants"
)

// Claim rejection reasons carried by ClaimRejectedError.
const (
	ClaimNotFound       = "not_found"
	ClaimWrongAgent     = "wrong_agent"
	ClaimAlreadyClaimed = "already_claimed"
	ClaimInvalidStatus  = "invalid_status"
)

// ClaimRejectedError reports why a claim attempt did not take a task.
type ClaimRejectedError struct {
	TaskID string
	Reason string
	Status string
}

func (e *ClaimRejectedError) Error() string {
	return fmt.Sprintf("claim rejected for task %s: %s (status %s)", e.TaskID, e.Reason, e.Status)
}

// TaskFilter narrows ListAgentTasks. Zero values mean "no constraint".
type TaskFilter struct {
	Status        string
	AgentID       *int64
	MissionID     string
	SessionID     string
	UnifiedTaskID int64
	Limit         int
}

// RetryDelay returns the backoff before retry attempt n (0-based), doubling
// from the base up to the cap, with jitter.
func RetryDelay(retryCount int) time.Duration {
	d := constants.TaskRetryBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= constants.TaskRetryMax {
			d = constants.TaskRetryMax
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(constants.TaskRetryJitter)))
}

// --- Agent task operations ---

// CreateAgentTask persists a new task in pending state.
func (s *Store) CreateAgentTask(ctx context.Context, t *AgentTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	t.Status = TaskStatusPending
	if len(t.DependsOn) > 0 {
		t.Status = TaskStatusBlocked
	}
	t.DependsOnJSON = marshalJSONList(t.DependsOn)
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, prompt, context, priority, status, agent_id, retry_count, max_retries,
			timeout_ms, depends_on, mission_id, unified_task_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Prompt, t.Context, t.Priority, t.Status, t.AgentID, t.RetryCount, t.MaxRetries,
		t.TimeoutMs, t.DependsOnJSON, t.MissionID, t.UnifiedTaskID, t.SessionID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent task: %w", err)
	}
	return nil
}

// GetAgentTask returns a task by ID, or nil when unknown.
func (s *Store) GetAgentTask(ctx context.Context, id string) (*AgentTask, error) {
	var t AgentTask
	err := s.ro.GetContext(ctx, &t, `SELECT * FROM agent_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.DependsOn = unmarshalJSONList(t.DependsOnJSON)
	return &t, nil
}

// ListAgentTasks returns tasks matching the filter, newest first.
func (s *Store) ListAgentTasks(ctx context.Context, filter TaskFilter) ([]*AgentTask, error) {
	query := `SELECT * FROM agent_tasks WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *filter.AgentID)
	}
	if filter.MissionID != "" {
		query += ` AND mission_id = ?`
		args = append(args, filter.MissionID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.UnifiedTaskID != 0 {
		query += ` AND unified_task_id = ?`
		args = append(args, filter.UnifiedTaskID)
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var tasks []*AgentTask
	if err := s.ro.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = unmarshalJSONList(t.DependsOnJSON)
	}
	return tasks, nil
}

// ClaimTask moves an eligible task to processing under the given execution
// ID. Eligible means pending, queued, or retrying, and either unassigned or
// assigned to the claiming agent. The claim is a single guarded UPDATE so
// exactly one contender wins across processes; losers get a
// ClaimRejectedError saying why. A repeat claim with the same execution ID
// succeeds idempotently.
func (s *Store) ClaimTask(ctx context.Context, taskID string, agentID int64, executionID string) (*AgentTask, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = ?, agent_id = ?, execution_id = ?, started_at = ?, updated_at = ?
		WHERE id = ?
		  AND status IN (?, ?, ?)
		  AND (agent_id IS NULL OR agent_id = ?)`,
		TaskStatusProcessing, agentID, executionID, now, now,
		taskID,
		TaskStatusPending, TaskStatusQueued, TaskStatusRetrying,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.GetAgentTask(ctx, taskID)
	}
	if err := s.classifyClaimRejection(ctx, taskID, agentID, executionID); err != nil {
		return nil, err
	}
	// Retransmitted claim from the current holder.
	return s.GetAgentTask(ctx, taskID)
}

func (s *Store) classifyClaimRejection(ctx context.Context, taskID string, agentID int64, executionID string) error {
	t, err := s.GetAgentTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("inspect claim rejection: %w", err)
	}
	if t == nil {
		return &ClaimRejectedError{TaskID: taskID, Reason: ClaimNotFound}
	}
	if t.Status == TaskStatusProcessing {
		if t.ExecutionID != nil && *t.ExecutionID == executionID {
			return nil
		}
		return &ClaimRejectedError{TaskID: taskID, Reason: ClaimAlreadyClaimed, Status: t.Status}
	}
	if t.AgentID != nil && *t.AgentID != agentID {
		return &ClaimRejectedError{TaskID: taskID, Reason: ClaimWrongAgent, Status: t.Status}
	}
	return &ClaimRejectedError{TaskID: taskID, Reason: ClaimInvalidStatus, Status: t.Status}
}

// ReleaseTask gives a processing task back to the pool. Only the execution
// that holds the claim may release it.
func (s *Store) ReleaseTask(ctx context.Context, taskID, executionID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = ?, agent_id = NULL, execution_id = NULL, started_at = NULL, updated_at = ?
		WHERE id = ? AND execution_id = ? AND status = ?`,
		TaskStatusPending, now, taskID, executionID, TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release task %s: not held by execution %s", taskID, executionID)
	}
	return nil
}

// CompleteTask finishes a processing task. Only the claim holder may
// complete it; a stale execution ID is refused, which is what protects the
// result of a re-claimed task from a crashed predecessor waking up late.
func (s *Store) CompleteTask(ctx context.Context, taskID, executionID, result string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND execution_id = ? AND status = ?`,
		TaskStatusCompleted, result, now, now, taskID, executionID, TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete task %s: not held by execution %s", taskID, executionID)
	}
	return nil
}

// FailTask records a failure for a processing task. While retry budget
// remains the task moves to retrying with a scheduled next attempt;
// otherwise it fails terminally. Only the claim holder may fail it.
func (s *Store) FailTask(ctx context.Context, taskID, executionID, lastError string) (*AgentTask, error) {
	t, err := s.GetAgentTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}

	now := time.Now().UTC()
	var res sql.Result
	if t.RetryCount < t.MaxRetries {
		nextRetry := now.Add(RetryDelay(t.RetryCount))
		res, err = s.db.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?, retry_count = retry_count + 1, last_error = ?, next_retry_at = ?,
				execution_id = NULL, updated_at = ?
			WHERE id = ? AND execution_id = ? AND status = ?`,
			TaskStatusRetrying, lastError, nextRetry, now, taskID, executionID, TaskStatusProcessing)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND execution_id = ? AND status = ?`,
			TaskStatusFailed, lastError, now, now, taskID, executionID, TaskStatusProcessing)
	}
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("fail task %s: not held by execution %s", taskID, executionID)
	}
	return s.GetAgentTask(ctx, taskID)
}

// CancelTask cancels a task in any non-terminal state. Cancelling a
// processing task succeeds immediately; the holder's eventual complete or
// fail call then finds the status changed and is refused.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?, ?)`,
		TaskStatusCancelled, now, now, taskID,
		TaskStatusPending, TaskStatusQueued, TaskStatusProcessing, TaskStatusRetrying, TaskStatusBlocked)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t, err := s.GetAgentTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("task not found: %s", taskID)
		}
		return fmt.Errorf("cancel task %s: already %s", taskID, t.Status)
	}
	return nil
}

// DueRetryTasks returns retrying tasks whose scheduled attempt time has
// arrived, oldest first.
func (s *Store) DueRetryTasks(ctx context.Context, limit int) ([]*AgentTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []*AgentTask
	err := s.ro.SelectContext(ctx, &tasks, `
		SELECT * FROM agent_tasks
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?`,
		TaskStatusRetrying, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = unmarshalJSONList(t.DependsOnJSON)
	}
	return tasks, nil
}

// PromoteRetryTask moves a due retrying task back to pending so the normal
// claim flow picks it up.
func (s *Store) PromoteRetryTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskStatusPending, now, taskID, TaskStatusRetrying)
	return err
}

// StuckProcessingTasks returns processing tasks that have exceeded their
// execution budget. Tasks without an explicit timeout use defaultTimeout.
func (s *Store) StuckProcessingTasks(ctx context.Context, defaultTimeout time.Duration) ([]*AgentTask, error) {
	now := time.Now().UTC()
	var tasks []*AgentTask
	err := s.ro.SelectContext(ctx, &tasks, `
		SELECT * FROM agent_tasks
		WHERE status = ? AND started_at IS NOT NULL
		  AND ((timeout_ms > 0 AND (julianday(?) - julianday(started_at)) * 86400000.0 >= timeout_ms)
		    OR (timeout_ms = 0 AND started_at <= ?))`,
		TaskStatusProcessing, now, now.Add(-defaultTimeout))
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = unmarshalJSONList(t.DependsOnJSON)
	}
	return tasks, nil
}

// ExpireTask releases a timed-out claim, guarded on the execution ID seen
// when the task was selected as stuck. Retry budget permitting, the task is
// rescheduled; otherwise it fails terminally.
func (s *Store) ExpireTask(ctx context.Context, t *AgentTask, lastError string) error {
	if t.ExecutionID == nil {
		return fmt.Errorf("expire task %s: no execution id", t.ID)
	}
	_, err := s.FailTask(ctx, t.ID, *t.ExecutionID, lastError)
	return err
}

// UnblockReadyTasks moves blocked tasks whose dependencies have all
// completed into pending, returning the IDs it promoted.
func (s *Store) UnblockReadyTasks(ctx context.Context) ([]string, error) {
	var blocked []*AgentTask
	err := s.ro.SelectContext(ctx, &blocked, `SELECT * FROM agent_tasks WHERE status = ?`, TaskStatusBlocked)
	if err != nil {
		return nil, err
	}

	var promoted []string
	now := time.Now().UTC()
	for _, t := range blocked {
		t.DependsOn = unmarshalJSONList(t.DependsOnJSON)
		ready, err := s.dependenciesCompleted(ctx, t.DependsOn)
		if err != nil {
			return promoted, err
		}
		if !ready {
			continue
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			TaskStatusPending, now, t.ID, TaskStatusBlocked)
		if err != nil {
			return promoted, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			promoted = append(promoted, t.ID)
		}
	}
	return promoted, nil
}

// dependenciesCompleted reports whether every listed task exists and has
// completed. Unknown IDs count as incomplete.
func (s *Store) dependenciesCompleted(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM agent_tasks WHERE id IN (?) AND status = ?`, ids, TaskStatusCompleted)
	if err != nil {
		return false, err
	}
	query = s.ro.Rebind(query)
	var done int
	if err := s.ro.GetContext(ctx, &done, query, args...); err != nil {
		return false, err
	}
	return done == len(ids), nil
}

// AgentTaskRollup summarizes the agent tasks referencing one unified task.
// A unified task is done when every referencing task is terminal and at
// least one of them completed.
type AgentTaskRollup struct {
	Total     int64 `db:"total"`
	Terminal  int64 `db:"terminal"`
	Completed int64 `db:"completed"`
}

// RollupAgentTasks counts the agent tasks that reference a unified task.
func (s *Store) RollupAgentTasks(ctx context.Context, unifiedTaskID int64) (*AgentTaskRollup, error) {
	var r AgentTaskRollup
	err := s.ro.GetContext(ctx, &r, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status IN (?, ?, ?) THEN 1 ELSE 0 END), 0) AS terminal,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed
		FROM agent_tasks WHERE unified_task_id = ?`,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusCompleted, unifiedTaskID)
	if err != nil {
		return nil, fmt.Errorf("rollup agent tasks: %w", err)
	}
	return &r, nil
}

// CountTasksByStatus returns the number of agent tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	rows := []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}{}
	err := s.ro.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM agent_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
