// Package store provides the embedded per-workspace relational store shared
// by the co-located fabric processes (daemon, indexer, orchestrator). It owns
// the schema, the migrations, and every typed operation on the entities.
package store

import "time"

// Visibility controls who may read a session or learning.
const (
	VisibilityPrivate = "private"
	VisibilityShared  = "shared"
	VisibilityPublic  = "public"
)

// Agent statuses.
const (
	AgentStatusPending    = "pending"
	AgentStatusIdle       = "idle"
	AgentStatusProcessing = "processing"
	AgentStatusOffline    = "offline"
)

// Agent is one worker identity in a workspace. Agent 0 (a NULL owner column)
// is the orchestrator.
type Agent struct {
	ID               int64      `json:"id" db:"id"`
	Name             string     `json:"name" db:"name"`
	Status           string     `json:"status" db:"status"`
	TasksCompleted   int64      `json:"tasks_completed" db:"tasks_completed"`
	TasksFailed      int64      `json:"tasks_failed" db:"tasks_failed"`
	SessionsRecorded int64      `json:"sessions_recorded" db:"sessions_recorded"`
	LastActiveAt     *time.Time `json:"last_active_at,omitempty" db:"last_active_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// SessionContext holds the structured context captured with a session.
// Field order mirrors how operators review a finished work unit.
type SessionContext struct {
	Wins         []string `json:"wins,omitempty"`
	Issues       []string `json:"issues,omitempty"`
	Decisions    []string `json:"decisions,omitempty"`
	NextSteps    []string `json:"next_steps,omitempty"`
	Challenges   []string `json:"challenges,omitempty"`
	GitCommits   []string `json:"git_commits,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
}

// Session is a recorded unit of work for a matrix.
type Session struct {
	ID                string          `json:"id" db:"id"`
	Summary           string          `json:"summary" db:"summary"`
	Context           *SessionContext `json:"context,omitempty" db:"-"`
	ContextJSON       string          `json:"-" db:"context"`
	Tags              []string        `json:"tags,omitempty" db:"-"`
	TagsJSON          string          `json:"-" db:"tags"`
	AgentID           *int64          `json:"agent_id,omitempty" db:"agent_id"`
	Visibility        string          `json:"visibility" db:"visibility"`
	ProjectPath       string          `json:"project_path" db:"project_path"`
	PreviousSessionID *string         `json:"previous_session_id,omitempty" db:"previous_session_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Learning confidence levels, ordered.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
	ConfidenceProven = "proven"
)

// Learning maturity stages, ordered.
const (
	StageObservation = "observation"
	StageLearning    = "learning"
	StagePattern     = "pattern"
	StagePrinciple   = "principle"
	StageWisdom      = "wisdom"
)

// StageForValidations maps a validation count to a maturity stage. The stage
// is always derived from times_validated, never stored independently.
func StageForValidations(timesValidated int64) string {
	switch {
	case timesValidated >= 10:
		return StageWisdom
	case timesValidated >= 5:
		return StagePrinciple
	case timesValidated >= 3:
		return StagePattern
	case timesValidated >= 1:
		return StageLearning
	default:
		return StageObservation
	}
}

// ConfidenceForValidations maps a validation count to a confidence level,
// advancing on the same thresholds as the maturity stages.
func ConfidenceForValidations(timesValidated int64) string {
	switch {
	case timesValidated >= 10:
		return ConfidenceProven
	case timesValidated >= 3:
		return ConfidenceHigh
	case timesValidated >= 1:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Learning is a retained insight with confidence and maturity tracking.
type Learning struct {
	ID              int64      `json:"id" db:"id"`
	Category        string     `json:"category" db:"category"`
	Title           string     `json:"title" db:"title"`
	Description     string     `json:"description" db:"description"`
	WhatHappened    string     `json:"what_happened,omitempty" db:"what_happened"`
	Lesson          string     `json:"lesson,omitempty" db:"lesson"`
	Prevention      string     `json:"prevention,omitempty" db:"prevention"`
	Context         string     `json:"context,omitempty" db:"context"`
	SourceURL       string     `json:"source_url,omitempty" db:"source_url"`
	Confidence      string     `json:"confidence" db:"confidence"`
	MaturityStage   string     `json:"maturity_stage" db:"maturity_stage"`
	TimesValidated  int64      `json:"times_validated" db:"times_validated"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty" db:"last_validated_at"`
	AgentID         *int64     `json:"agent_id,omitempty" db:"agent_id"`
	Visibility      string     `json:"visibility" db:"visibility"`
	ProjectPath     string     `json:"project_path" db:"project_path"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Agent task statuses. The processing and running values are equivalent
// claim states; agent tasks use processing, missions use running.
const (
	TaskStatusPending    = "pending"
	TaskStatusQueued     = "queued"
	TaskStatusProcessing = "processing"
	TaskStatusRunning    = "running"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusRetrying   = "retrying"
	TaskStatusBlocked    = "blocked"
	TaskStatusCancelled  = "cancelled"
)

// TaskStatusTerminal reports whether a status is immutable.
func TaskStatusTerminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// AgentTask is a unit of durable, retriable work executed by an agent.
// ExecutionID is the fencing token: it is set exactly once per claim and
// only its holder may release, complete, or fail the task.
type AgentTask struct {
	ID            string     `json:"id" db:"id"`
	Prompt        string     `json:"prompt" db:"prompt"`
	Context       string     `json:"context,omitempty" db:"context"`
	Priority      string     `json:"priority" db:"priority"`
	Status        string     `json:"status" db:"status"`
	AgentID       *int64     `json:"agent_id,omitempty" db:"agent_id"`
	ExecutionID   *string    `json:"execution_id,omitempty" db:"execution_id"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	MaxRetries    int        `json:"max_retries" db:"max_retries"`
	TimeoutMs     int64      `json:"timeout_ms" db:"timeout_ms"`
	DependsOn     []string   `json:"depends_on,omitempty" db:"-"`
	DependsOnJSON string     `json:"-" db:"depends_on"`
	MissionID     string     `json:"mission_id,omitempty" db:"mission_id"`
	UnifiedTaskID int64      `json:"unified_task_id,omitempty" db:"unified_task_id"`
	SessionID     string     `json:"session_id,omitempty" db:"session_id"`
	Result        string     `json:"result,omitempty" db:"result"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Mission is a top-level directive that fans out into agent tasks.
type Mission struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Prompt      string     `json:"prompt,omitempty" db:"prompt"`
	Status      string     `json:"status" db:"status"`
	AgentID     *int64     `json:"agent_id,omitempty" db:"agent_id"`
	ExecutionID *string    `json:"execution_id,omitempty" db:"execution_id"`
	TimeoutMs   int64      `json:"timeout_ms" db:"timeout_ms"`
	Result      string     `json:"result,omitempty" db:"result"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Unified task domains.
const (
	DomainSystem  = "system"
	DomainProject = "project"
	DomainSession = "session"
)

// Unified task statuses.
const (
	UnifiedStatusPending    = "pending"
	UnifiedStatusInProgress = "in_progress"
	UnifiedStatusDone       = "done"
	UnifiedStatusBlocked    = "blocked"
)

// GitHub sync statuses for unified tasks.
const (
	SyncStatusPending   = "pending"
	SyncStatusSynced    = "synced"
	SyncStatusError     = "error"
	SyncStatusLocalOnly = "local_only"
)

// UnifiedTask is a cross-cutting work item, optionally mirrored to a GitHub
// issue. Session-scoped work items live here with domain=session; there is
// no separate session task table.
type UnifiedTask struct {
	ID                int64      `json:"id" db:"id"`
	Title             string     `json:"title" db:"title"`
	Description       string     `json:"description,omitempty" db:"description"`
	Domain            string     `json:"domain" db:"domain"`
	Priority          string     `json:"priority" db:"priority"`
	Status            string     `json:"status" db:"status"`
	SessionID         string     `json:"session_id,omitempty" db:"session_id"`
	AgentID           *int64     `json:"agent_id,omitempty" db:"agent_id"`
	ProjectPath       string     `json:"project_path,omitempty" db:"project_path"`
	GitHubIssueNumber int64      `json:"github_issue_number,omitempty" db:"github_issue_number"`
	GitHubIssueURL    string     `json:"github_issue_url,omitempty" db:"github_issue_url"`
	GitHubRepo        string     `json:"github_repo,omitempty" db:"github_repo"`
	GitHubSyncStatus  string     `json:"github_sync_status" db:"github_sync_status"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Matrix registry statuses.
const (
	MatrixStatusOnline  = "online"
	MatrixStatusOffline = "offline"
	MatrixStatusAway    = "away"
)

// MatrixEntry is one registered matrix in the fabric.
type MatrixEntry struct {
	MatrixID     string     `json:"matrix_id" db:"matrix_id"`
	DisplayName  string     `json:"display_name" db:"display_name"`
	Status       string     `json:"status" db:"status"`
	LastSeen     *time.Time `json:"last_seen,omitempty" db:"last_seen"`
	MetadataJSON string     `json:"-" db:"metadata"`
	RegisteredAt time.Time  `json:"registered_at" db:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Matrix message types.
const (
	MessageTypeBroadcast = "broadcast"
	MessageTypeDirect    = "direct"
)

// Matrix message delivery statuses.
const (
	MessageStatusPending   = "pending"
	MessageStatusSending   = "sending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// MatrixMessage is one fabric message. Outbound rows are those whose
// from_matrix is the local workspace; inbound rows arrive pre-stamped with
// status delivered. Per-sender ordering is carried by SequenceNumber.
type MatrixMessage struct {
	ID             string     `json:"id" db:"id"`
	FromMatrix     string     `json:"from_matrix" db:"from_matrix"`
	ToMatrix       *string    `json:"to_matrix,omitempty" db:"to_matrix"`
	Content        string     `json:"content" db:"content"`
	Type           string     `json:"type" db:"type"`
	Status         string     `json:"status" db:"status"`
	MetadataJSON   string     `json:"-" db:"metadata"`
	SequenceNumber int64      `json:"sequence_number" db:"sequence_number"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	MaxRetries     int        `json:"max_retries" db:"max_retries"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	AttemptedAt    *time.Time `json:"attempted_at,omitempty" db:"attempted_at"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt         *time.Time `json:"read_at,omitempty" db:"read_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// SearchRecord is one retrieval telemetry row, the data source for the
// feedback-loop weight tuner.
type SearchRecord struct {
	ID          int64     `json:"id" db:"id"`
	Query       string    `json:"query" db:"query"`
	QueryType   string    `json:"query_type" db:"query_type"`
	ResultCount int       `json:"result_count" db:"result_count"`
	LatencyMs   int64     `json:"latency_ms" db:"latency_ms"`
	Source      string    `json:"source" db:"source"`
	AgentID     *int64    `json:"agent_id,omitempty" db:"agent_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
