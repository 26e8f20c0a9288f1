// Package audit records the supervisor's lifecycle events per work item.
//
// Events are append-only. Two sinks are provided: a JSON-lines file and the
// SQLite repository in internal/db. Delivery is best effort; callers log a
// failed Record and carry on.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names emitted by the supervisor.
const (
	AgentLaunched            = "AGENT_LAUNCHED"
	AgentLaunchFailed        = "AGENT_LAUNCH_FAILED"
	AgentKilled              = "AGENT_KILLED"
	AgentDead                = "AGENT_DEAD"
	AgentDeadStale           = "AGENT_DEAD_STALE"
	AgentOrphanedRunningStep = "AGENT_ORPHANED_RUNNING_STEP"
	AgentTimeoutStale        = "AGENT_TIMEOUT_STALE"
	StepTimeout              = "STEP_TIMEOUT"
	RetryFuseTripped         = "RETRY_FUSE_TRIPPED"
	WorkflowFinalized        = "WORKFLOW_FINALIZED"
	QuotaFallback            = "QUOTA_FALLBACK"
)

// Event is one audit record.
type Event struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	Name       string    `json:"event"`
	Details    string    `json:"details,omitempty"`
	At         time.Time `json:"at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(workItemID, name, details string) Event {
	return Event{
		ID:         uuid.NewString(),
		WorkItemID: workItemID,
		Name:       name,
		Details:    details,
		At:         time.Now().UTC(),
	}
}

// Filter narrows List results. Zero fields match everything. Results are
// newest first and capped at Limit when it is positive.
type Filter struct {
	WorkItemID string
	Name       string
	Since      time.Time
	Limit      int
}

// Matches reports whether e passes the filter (Limit is not considered).
func (f Filter) Matches(e Event) bool {
	if f.WorkItemID != "" && e.WorkItemID != f.WorkItemID {
		return false
	}
	if f.Name != "" && e.Name != f.Name {
		return false
	}
	if !f.Since.IsZero() && e.At.Before(f.Since) {
		return false
	}
	return true
}

// Sink persists and queries audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
}
