// Package events defines the fabric event catalog and utilities for
// publishing process-local and cross-process events.
package events

// Event types for sessions.
const (
	SessionRecorded = "session.recorded"
	SessionUpdated  = "session.updated"
)

// Event types for learnings.
const (
	LearningCreated   = "learning.created"
	LearningValidated = "learning.validated"
	LearningPromoted  = "learning.promoted"
)

// Event types for agent tasks.
const (
	TaskCreated   = "task.created"
	TaskClaimed   = "task.claimed"
	TaskReleased  = "task.released"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskRetrying  = "task.retrying"
	TaskCancelled = "task.cancelled"
	TaskUnblocked = "task.unblocked"
)

// Event types for missions.
const (
	MissionCreated   = "mission.created"
	MissionStarted   = "mission.started"
	MissionCompleted = "mission.completed"
	MissionFailed    = "mission.failed"
	MissionCancelled = "mission.cancelled"
)

// Event types for fabric messaging.
const (
	MessageEnqueued  = "message.enqueued"
	MessageSent      = "message.sent"
	MessageDelivered = "message.delivered"
	MessageFailed    = "message.failed"
	MessageReceived  = "message.received"
)

// Event types for presence.
const (
	PresenceChanged = "presence.changed"
)

// Event types for indexing and retrieval.
const (
	DocumentIndexed = "index.document_indexed"
	IndexFlushed    = "index.flushed"
	SearchCompleted = "search.completed"
)

// Subjects group related event types for bus routing. Subscribers use
// NATS-style wildcards, e.g. "fabric.task.*" or "fabric.>".
const (
	SubjectPrefix   = "fabric"
	SubjectSessions = "fabric.session"
	SubjectLearning = "fabric.learning"
	SubjectTasks    = "fabric.task"
	SubjectMissions = "fabric.mission"
	SubjectMessages = "fabric.message"
	SubjectPresence = "fabric.presence"
	SubjectIndex    = "fabric.index"
	SubjectSearch   = "fabric.search"
)

// SubjectFor maps an event type to its bus subject. Unknown types land on
// the prefix subject so nothing is silently dropped.
func SubjectFor(eventType string) string {
	switch eventType {
	case SessionRecorded, SessionUpdated:
		return SubjectSessions
	case LearningCreated, LearningValidated, LearningPromoted:
		return SubjectLearning
	case TaskCreated, TaskClaimed, TaskReleased, TaskCompleted, TaskFailed, TaskRetrying, TaskCancelled, TaskUnblocked:
		return SubjectTasks
	case MissionCreated, MissionStarted, MissionCompleted, MissionFailed, MissionCancelled:
		return SubjectMissions
	case MessageEnqueued, MessageSent, MessageDelivered, MessageFailed, MessageReceived:
		return SubjectMessages
	case PresenceChanged:
		return SubjectPresence
	case DocumentIndexed, IndexFlushed:
		return SubjectIndex
	case SearchCompleted:
		return SubjectSearch
	default:
		return SubjectPrefix
	}
}
