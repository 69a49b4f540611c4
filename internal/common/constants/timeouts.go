// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// AgentTaskTimeout is the default execution budget for an agent task
	// before the stuck-task sweep releases its claim.
	AgentTaskTimeout = 2 * time.Minute

	// MissionTimeout is the default execution budget for a mission.
	MissionTimeout = 5 * time.Minute

	// HealthCheckTimeout bounds outbound health probes (hub, vector store).
	HealthCheckTimeout = 5 * time.Second

	// StatusPingTimeout bounds lightweight status fetches between processes.
	StatusPingTimeout = 2 * time.Second

	// InitLockStale is the age after which a schema init lock file is
	// treated as abandoned and removed.
	InitLockStale = 30 * time.Second
)

// Retry schedule for failed tasks and undeliverable messages. The delay
// doubles per attempt from TaskRetryBase up to TaskRetryMax, plus a jitter
// in [0, TaskRetryJitter) to spread concurrent retries.
const (
	TaskRetryBase   = 10 * time.Second
	TaskRetryMax    = 5 * time.Minute
	TaskRetryJitter = 2 * time.Second
)
