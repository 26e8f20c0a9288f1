// Package orchestrator reconciles supervised agent processes with the
// workflows they serve.
//
// An Orchestrator runs three passes over durable state. Pass A turns new
// completion summaries into workflow transitions. Pass B kills agents whose
// activity log has gone quiet for longer than their timeout. Pass C detects
// agents that exited without writing a completion. All host interaction goes
// through the AgentRuntime interface; the orchestrator keeps only
// per-process dedup state in memory.
package orchestrator

import (
	"context"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

// Trigger names why a launch was requested.
type Trigger string

// Launch triggers.
const (
	TriggerCompletionScan     Trigger = "completion-scan"
	TriggerTimeoutRetry       Trigger = "timeout-retry"
	TriggerDeadAgentRetry     Trigger = "dead-agent-retry"
	TriggerOrphanTimeoutRetry Trigger = "orphan-timeout-retry"
	TriggerQuotaFallback      Trigger = "quota-fallback"
	TriggerManual             Trigger = "manual"
)

// SkipReason explains a launch that was deliberately not performed.
type SkipReason string

// Skip reasons. A LaunchResult carrying one of these is a no-op, not a
// failure.
const (
	SkipDuplicate        SkipReason = "duplicate-suppressed"
	SkipWorkflowTerminal SkipReason = "workflow-terminal"
	SkipLaunchSkipped    SkipReason = "launch-skipped"
)

// LaunchRequest asks the runtime to start an agent.
type LaunchRequest struct {
	WorkItemID   string
	AgentRole    string
	Trigger      Trigger
	ExcludeTools []string
}

// LaunchResult is the outcome of LaunchAgent. PID is zero when nothing was
// started; Skipped then says whether that was intentional.
type LaunchResult struct {
	PID     int
	Tool    string
	Skipped SkipReason
}

// Launched reports whether a process was started.
func (r LaunchResult) Launched() bool { return r.PID > 0 }

// FinalizeResult is returned by FinalizeWorkflow.
type FinalizeResult struct {
	PRURLs      []string
	IssueClosed bool
}

// WorkflowState is a workflow's control state as reported by the host.
type WorkflowState string

// Workflow control states. The empty state means "no control state known".
const (
	StateActive    WorkflowState = "ACTIVE"
	StatePaused    WorkflowState = "PAUSED"
	StateStopped   WorkflowState = "STOPPED"
	StateCompleted WorkflowState = "COMPLETED"
	StateFailed    WorkflowState = "FAILED"
	StateCancelled WorkflowState = "CANCELLED"
)

// Halted reports whether supervision should leave the work item alone.
func (s WorkflowState) Halted() bool {
	switch s {
	case StateStopped, StatePaused, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether the workflow has finished.
func (s WorkflowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// AgentRuntime is the host boundary. Hosts implement the required methods
// and embed DefaultHooks for the optional ones.
type AgentRuntime interface {
	// LaunchAgent starts an agent for req. A zero PID with a SkipReason is a
	// deliberate no-op; a zero PID without one, or an error, is a failure.
	LaunchAgent(ctx context.Context, req LaunchRequest) (LaunchResult, error)
	LoadLaunchedAgents(ctx context.Context, recentOnly bool) (tracker.Agents, error)
	SaveLaunchedAgents(ctx context.Context, agents tracker.Agents) error
	ClearLaunchGuard(workItemID string)
	// ShouldRetry is the retry-fuse decision. Each call counts as an attempt.
	ShouldRetry(ctx context.Context, workItemID, role string) bool
	// SendAlert reports whether the alert was delivered. Callers must not
	// mutate persisted state when it returns false.
	SendAlert(ctx context.Context, message string) bool
	AuditLog(ctx context.Context, workItemID, event, details string)
	FinalizeWorkflow(ctx context.Context, workItemID, repo, lastRole, project string) (FinalizeResult, error)

	Hooks
}

// Hooks are the optional runtime methods. DefaultHooks implements all of
// them with safe defaults.
type Hooks interface {
	WorkflowState(ctx context.Context, workItemID string) WorkflowState
	// ShouldRetryDeadAgent reports whether the workflow still expects role to
	// be running for the work item.
	ShouldRetryDeadAgent(ctx context.Context, workItemID, role string) bool
	IsProcessRunning(ctx context.Context, workItemID string) bool
	// CheckLogTimeout reports whether the agent owning logFile has timed out
	// and, when known, its PID.
	CheckLogTimeout(ctx context.Context, workItemID, logFile string, timeout time.Duration) (bool, int)
	NotifyTimeout(ctx context.Context, workItemID, role string, willRetry bool)
	ExpectedRunningAgent(ctx context.Context, workItemID string) string
	// AgentTimeout returns the configured timeout for role, or zero to use
	// the orchestrator default.
	AgentTimeout(ctx context.Context, workItemID, role string) time.Duration
	PostCompletionComment(ctx context.Context, workItemID, repo, body string) bool
	LatestIssueLog(ctx context.Context, workItemID string) string
	IsPIDAlive(pid int) bool
	KillProcess(pid int) bool
}

// StepOutcome is the workflow's answer to a completed step.
type StepOutcome struct {
	State     WorkflowState
	NextAgent string
}

// WorkflowDecider advances a workflow when a step completes. A nil outcome
// with a nil error means no workflow is mapped to the work item, and the
// completion summary's next_agent decides.
type WorkflowDecider interface {
	CompleteStep(ctx context.Context, workItemID, role string, outputs map[string]any, eventID string) (*StepOutcome, error)
}

// Resolver maps a completion to the project and repository it belongs to.
type Resolver interface {
	ResolveProject(location string) string
	ResolveRepo(project, workItemID string) string
}

// CompletionSource lists the latest completion per work item. An empty
// workItemID means every work item. completion.Store satisfies it.
type CompletionSource interface {
	Scan(ctx context.Context, workItemID string) ([]completion.Detected, error)
}

// Recorder receives pass outcomes for metrics.
type Recorder interface {
	CompletionProcessed(outcome string)
	Relaunch(trigger Trigger)
	DeadAgent()
}

// Completion outcomes passed to Recorder.CompletionProcessed.
const (
	OutcomeChained       = "chained"
	OutcomeFinalized     = "finalized"
	OutcomeDeferred      = "deferred"
	OutcomeStale         = "stale"
	OutcomeCommentFailed = "comment-failed"
	OutcomeLaunchSkipped = "launch-skipped"
	OutcomeLaunchFailed  = "launch-failed"
	OutcomeError         = "error"
)

type nopRecorder struct{}

func (nopRecorder) CompletionProcessed(string) {}
func (nopRecorder) Relaunch(Trigger)           {}
func (nopRecorder) DeadAgent()                 {}
