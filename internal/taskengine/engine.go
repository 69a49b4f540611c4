// Package taskengine drives the durable task lifecycle: fenced claims,
// retry scheduling, dependency gating, stuck-claim recovery, and the
// rollup of agent tasks into their unified tasks.
package taskengine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/store"
)

// Engine coordinates task execution over the store. The store's guarded
// updates carry all cross-process correctness; the engine adds the
// lifecycle glue around them and announces transitions on the bus.
type Engine struct {
	store  *store.Store
	bus    bus.EventBus
	cfg    Config
	log    *logger.Logger
	sweep  *sweeper
	source string
}

// New builds an engine. The bus may be nil for callers that only need the
// claim API.
func New(st *store.Store, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		store:  st,
		bus:    eventBus,
		cfg:    cfg.withDefaults(),
		log:    log.WithComponent("taskengine"),
		source: "taskengine",
	}
	e.sweep = newSweeper(e)
	return e
}

// Start recovers stuck claims left by a crash and begins the sweep loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.RecoverStuck(ctx); err != nil {
		e.log.Warn("stuck-task recovery on start", zap.Error(err))
	}
	return e.sweep.Start(ctx)
}

// Stop halts the sweep loop.
func (e *Engine) Stop() error {
	return e.sweep.Stop()
}

// Enqueue persists a new agent task and announces it. Tasks with pending
// dependencies start blocked and are promoted by the completion scan.
func (e *Engine) Enqueue(ctx context.Context, t *store.AgentTask) error {
	if err := e.store.CreateAgentTask(ctx, t); err != nil {
		return err
	}
	e.publish(ctx, events.TaskCreated, map[string]interface{}{
		"task_id": t.ID,
		"status":  t.Status,
	})
	return nil
}

// Claim takes an eligible task for an agent under a fresh execution ID and
// returns both. Callers that retry a claim after a network failure pass
// the previous execution ID through ClaimWith instead.
func (e *Engine) Claim(ctx context.Context, taskID string, agentID int64) (*store.AgentTask, string, error) {
	executionID := uuid.New().String()
	t, err := e.ClaimWith(ctx, taskID, agentID, executionID)
	return t, executionID, err
}

// ClaimWith claims a task under a caller-minted execution ID. A repeat
// call with the same ID is an idempotent success; contenders get a
// store.ClaimRejectedError.
func (e *Engine) ClaimWith(ctx context.Context, taskID string, agentID int64, executionID string) (*store.AgentTask, error) {
	t, err := e.store.GetAgentTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &store.ClaimRejectedError{TaskID: taskID, Reason: store.ClaimNotFound}
	}
	if len(t.DependsOn) > 0 && t.Status == store.TaskStatusBlocked {
		return nil, &store.ClaimRejectedError{TaskID: taskID, Reason: store.ClaimInvalidStatus, Status: t.Status}
	}

	claimed, err := e.store.ClaimTask(ctx, taskID, agentID, executionID)
	if err != nil {
		return nil, err
	}
	_ = e.store.UpdateAgentStatus(ctx, agentID, store.AgentStatusProcessing)
	e.publish(ctx, events.TaskClaimed, map[string]interface{}{
		"task_id":      taskID,
		"agent_id":     agentID,
		"execution_id": executionID,
	})
	return claimed, nil
}

// Release returns a claimed task to the pool. Only the execution holding
// the claim may release it.
func (e *Engine) Release(ctx context.Context, taskID, executionID string) error {
	if err := e.store.ReleaseTask(ctx, taskID, executionID); err != nil {
		return err
	}
	e.publish(ctx, events.TaskReleased, map[string]interface{}{"task_id": taskID})
	return nil
}

// Complete finishes a claimed task, credits the agent, promotes any tasks
// the completion unblocks, and rolls the result up into the task's unified
// task when it was the last one outstanding.
func (e *Engine) Complete(ctx context.Context, taskID, executionID, result string) error {
	t, err := e.store.GetAgentTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	if err := e.store.CompleteTask(ctx, taskID, executionID, result); err != nil {
		return err
	}
	if t.AgentID != nil {
		_ = e.store.RecordAgentTaskOutcome(ctx, *t.AgentID, true)
	}
	e.publish(ctx, events.TaskCompleted, map[string]interface{}{"task_id": taskID})

	e.unblockDependents(ctx)
	if t.UnifiedTaskID != 0 {
		e.rollupUnified(ctx, t.UnifiedTaskID)
	}
	return nil
}

// Fail records a failure. Retry budget permitting the task is rescheduled
// with backoff; otherwise it terminates, which also counts for the rollup.
func (e *Engine) Fail(ctx context.Context, taskID, executionID, lastError string) error {
	t, err := e.store.FailTask(ctx, taskID, executionID, lastError)
	if err != nil {
		return err
	}

	if t.Status == store.TaskStatusFailed {
		if t.AgentID != nil {
			_ = e.store.RecordAgentTaskOutcome(ctx, *t.AgentID, false)
		}
		e.publish(ctx, events.TaskFailed, map[string]interface{}{
			"task_id": taskID,
			"error":   lastError,
		})
		if t.UnifiedTaskID != 0 {
			e.rollupUnified(ctx, t.UnifiedTaskID)
		}
		return nil
	}

	e.publish(ctx, events.TaskRetrying, map[string]interface{}{
		"task_id":     taskID,
		"retry_count": t.RetryCount,
	})
	return nil
}

// Cancel cancels a non-terminal task.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	t, err := e.store.GetAgentTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.store.CancelTask(ctx, taskID); err != nil {
		return err
	}
	e.publish(ctx, events.TaskCancelled, map[string]interface{}{"task_id": taskID})
	if t != nil && t.UnifiedTaskID != 0 {
		e.rollupUnified(ctx, t.UnifiedTaskID)
	}
	return nil
}

// DequeueMission atomically takes the oldest queued mission for an agent
// under a fresh execution ID, or returns nil when the queue is empty.
func (e *Engine) DequeueMission(ctx context.Context, agentID int64) (*store.Mission, string, error) {
	executionID := uuid.New().String()
	m, err := e.store.DequeueMission(ctx, agentID, executionID)
	if err != nil || m == nil {
		return nil, "", err
	}
	e.publish(ctx, events.MissionStarted, map[string]interface{}{
		"mission_id": m.ID,
		"agent_id":   agentID,
	})
	return m, executionID, nil
}

// CompleteMission finishes a running mission under its execution ID.
func (e *Engine) CompleteMission(ctx context.Context, missionID, executionID, result string) error {
	if err := e.store.CompleteMission(ctx, missionID, executionID, result); err != nil {
		return err
	}
	e.publish(ctx, events.MissionCompleted, map[string]interface{}{"mission_id": missionID})
	return nil
}

// FailMission fails a running mission under its execution ID.
func (e *Engine) FailMission(ctx context.Context, missionID, executionID, lastError string) error {
	if err := e.store.FailMission(ctx, missionID, executionID, lastError); err != nil {
		return err
	}
	e.publish(ctx, events.MissionFailed, map[string]interface{}{
		"mission_id": missionID,
		"error":      lastError,
	})
	return nil
}

// RecoverStuck releases claims whose executions exceeded their budget.
// Crashed workers leave execution_id set; expiring the claim re-queues the
// work under the at-least-once contract.
func (e *Engine) RecoverStuck(ctx context.Context) error {
	stuck, err := e.store.StuckProcessingTasks(ctx, e.cfg.TaskTimeout)
	if err != nil {
		return fmt.Errorf("list stuck tasks: %w", err)
	}
	for _, t := range stuck {
		if err := e.store.ExpireTask(ctx, t, "execution timed out"); err != nil {
			e.log.Warn("expire stuck task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		e.log.Info("released stuck task claim", zap.String("task_id", t.ID))
	}

	missions, err := e.store.StuckRunningMissions(ctx, e.cfg.MissionTimeout)
	if err != nil {
		return fmt.Errorf("list stuck missions: %w", err)
	}
	for _, m := range missions {
		if m.ExecutionID == nil {
			continue
		}
		if err := e.store.FailMission(ctx, m.ID, *m.ExecutionID, "execution timed out"); err != nil {
			e.log.Warn("expire stuck mission", zap.String("mission_id", m.ID), zap.Error(err))
		}
	}
	return nil
}

// unblockDependents promotes blocked tasks whose dependencies are now all
// complete.
func (e *Engine) unblockDependents(ctx context.Context) {
	promoted, err := e.store.UnblockReadyTasks(ctx)
	if err != nil {
		e.log.Warn("unblock scan", zap.Error(err))
		return
	}
	for _, id := range promoted {
		e.publish(ctx, events.TaskUnblocked, map[string]interface{}{"task_id": id})
	}
}

// rollupUnified marks a unified task done once every agent task
// referencing it is terminal and at least one completed.
func (e *Engine) rollupUnified(ctx context.Context, unifiedTaskID int64) {
	r, err := e.store.RollupAgentTasks(ctx, unifiedTaskID)
	if err != nil {
		e.log.Warn("unified rollup", zap.Int64("unified_task_id", unifiedTaskID), zap.Error(err))
		return
	}
	if r.Total == 0 || r.Terminal != r.Total || r.Completed == 0 {
		return
	}
	if err := e.store.UpdateUnifiedTaskStatus(ctx, unifiedTaskID, store.UnifiedStatusDone); err != nil {
		e.log.Warn("mark unified task done", zap.Int64("unified_task_id", unifiedTaskID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, e.source, data)
	if err := e.bus.Publish(ctx, events.SubjectFor(eventType), ev); err != nil {
		e.log.Warn("publish task event", zap.String("type", eventType), zap.Error(err))
	}
}
