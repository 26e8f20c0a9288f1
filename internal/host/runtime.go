// Package host is the concrete AgentRuntime: it launches agent CLIs, keeps
// the launched-agents tracker, applies the launch guard and retry fuse, and
// delivers alerts, comments and audit events.
package host

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/audit"
	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/logging"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/launchguard"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/retry"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
	"github.com/Iron-Ham/agentwarden/internal/watchdog"
)

// Metrics receives host-side counters. A nil Metrics is allowed.
type Metrics interface {
	FuseTripped(hard bool)
	WatchdogFallback(tool string)
}

// Config holds the runtime's settings.
type Config struct {
	// BaseDir is the workspace agents run in; logs go under
	// {BaseDir}/{NexusDir}/tasks/<project>/logs.
	BaseDir  string
	NexusDir string
	// FuseLimits configures the retry fuse.
	FuseLimits retry.Limits
	// RoleTimeout returns the timeout for a role, or zero for the default.
	RoleTimeout func(role string) time.Duration
	// QuotaWatchdog watches fresh launches for quota exhaustion.
	QuotaWatchdog bool
}

// Deps are the collaborators of a Runtime. Tracker, Launcher and Workflows
// are required.
type Deps struct {
	Tracker   tracker.Store
	Guard     *launchguard.Guard
	Launcher  Launcher
	Alerter   Alerter
	Commenter Commenter
	Audit     audit.Sink
	Workflows *WorkflowStore
	Metrics   Metrics
	Logger    *logging.Logger
}

// Runtime implements orchestrator.AgentRuntime.
type Runtime struct {
	orchestrator.DefaultHooks

	cfg       Config
	tracker   tracker.Store
	guard     *launchguard.Guard
	fuse      *retry.Fuse
	launcher  Launcher
	alerter   Alerter
	commenter Commenter
	audit     audit.Sink
	workflows *WorkflowStore
	watchdogs *watchdog.Manager
	metrics   Metrics
	logger    *logging.Logger
	now       func() time.Time
}

var _ orchestrator.AgentRuntime = (*Runtime)(nil)

// New wires a Runtime.
func New(cfg Config, deps Deps) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.NexusDir == "" {
		cfg.NexusDir = ".nexus"
	}
	r := &Runtime{
		cfg:       cfg,
		tracker:   deps.Tracker,
		guard:     deps.Guard,
		launcher:  deps.Launcher,
		alerter:   deps.Alerter,
		commenter: deps.Commenter,
		audit:     deps.Audit,
		workflows: deps.Workflows,
		metrics:   deps.Metrics,
		logger:    logger.WithComponent("host"),
		now:       time.Now,
	}
	if r.guard == nil {
		r.guard = launchguard.New(launchguard.WithLogger(logger))
	}
	if r.alerter == nil {
		r.alerter = NewLogAlerter(logger)
	}
	r.fuse = retry.NewFuse(r.tracker,
		retry.WithLimits(cfg.FuseLimits),
		retry.WithPauser(r.workflows),
		retry.WithAlerter(r),
		retry.WithTripObserver(r.onFuseTrip),
		retry.WithLogger(logger),
	)
	if cfg.QuotaWatchdog {
		r.watchdogs = watchdog.NewManager(r.tracker, r.quotaFallback, watchdog.WithLogger(logger))
	}
	return r
}

// Fuse returns the retry fuse.
func (r *Runtime) Fuse() *retry.Fuse { return r.fuse }

// Guard returns the launch guard.
func (r *Runtime) Guard() *launchguard.Guard { return r.guard }

// Workflows returns the workflow store.
func (r *Runtime) Workflows() *WorkflowStore { return r.workflows }

// Close stops the watchdogs and waits for them.
func (r *Runtime) Close() {
	if r.watchdogs != nil {
		r.watchdogs.Stop()
	}
}

// LaunchAgent implements orchestrator.AgentRuntime.
func (r *Runtime) LaunchAgent(ctx context.Context, req orchestrator.LaunchRequest) (orchestrator.LaunchResult, error) {
	w := req.WorkItemID
	role := strings.TrimSpace(req.AgentRole)
	log := r.logger.WithWorkItem(w).WithRole(role)
	if w == "" || role == "" {
		return orchestrator.LaunchResult{}, fmt.Errorf("launch: %w", errors.ErrInvalidWorkItem)
	}

	wf, _, err := r.workflows.Get(ctx, w)
	if err != nil {
		return orchestrator.LaunchResult{}, err
	}
	if wf.State.Halted() {
		log.Info("launch skipped, workflow halted", "workflow_state", string(wf.State), "trigger", string(req.Trigger))
		return orchestrator.LaunchResult{Skipped: orchestrator.SkipWorkflowTerminal}, nil
	}
	if !r.guard.TryAcquire(w, role) {
		log.Info("launch suppressed by launch guard", "trigger", string(req.Trigger))
		return orchestrator.LaunchResult{Skipped: orchestrator.SkipDuplicate}, nil
	}

	project := wf.Project
	if project == "" {
		project = completion.DefaultProject
	}
	spec := LaunchSpec{
		WorkItemID:   w,
		AgentRole:    role,
		Workspace:    r.cfg.BaseDir,
		LogDir:       filepath.Join(r.cfg.BaseDir, r.cfg.NexusDir, "tasks", project, "logs"),
		ExcludeTools: req.ExcludeTools,
	}
	launched, err := r.launcher.Launch(ctx, spec)
	if err != nil {
		r.guard.Release(w, role)
		r.AuditLog(ctx, w, audit.AgentLaunchFailed, fmt.Sprintf("%s (%s): %v", role, req.Trigger, err))
		return orchestrator.LaunchResult{}, err
	}
	r.guard.RecordLaunch(w, role, launched.PID)

	err = tracker.Update(ctx, r.tracker, func(agents tracker.Agents) bool {
		e := agents[w]
		if e == nil {
			e = &tracker.Entry{}
			agents[w] = e
		}
		e.PID = launched.PID
		e.LaunchedAt = tracker.UnixSeconds(r.now())
		e.AgentRole = role
		e.Tool = launched.Tool
		e.ExcludeTools = append([]string(nil), req.ExcludeTools...)
		return true
	})
	if err != nil {
		log.Error("launched agent could not be tracked", "pid", launched.PID, "error", err)
	}
	if err := r.workflows.SetExpected(ctx, w, role); err != nil {
		log.Warn("failed to record expected agent", "error", err)
	}

	r.AuditLog(ctx, w, audit.AgentLaunched, fmt.Sprintf("%s pid=%d tool=%s trigger=%s log=%s",
		role, launched.PID, launched.Tool, req.Trigger, launched.LogPath))
	log.Info("agent launched", "pid", launched.PID, "tool", launched.Tool, "trigger", string(req.Trigger))

	if r.watchdogs != nil {
		r.watchdogs.Watch(watchdog.Job{
			WorkItemID:   w,
			AgentRole:    role,
			Tool:         launched.Tool,
			PID:          launched.PID,
			LogPath:      launched.LogPath,
			ExcludeTools: req.ExcludeTools,
		})
	}
	return orchestrator.LaunchResult{PID: launched.PID, Tool: launched.Tool}, nil
}

// LoadLaunchedAgents implements orchestrator.AgentRuntime.
func (r *Runtime) LoadLaunchedAgents(ctx context.Context, recentOnly bool) (tracker.Agents, error) {
	return r.tracker.Load(ctx, recentOnly)
}

// SaveLaunchedAgents implements orchestrator.AgentRuntime.
func (r *Runtime) SaveLaunchedAgents(ctx context.Context, agents tracker.Agents) error {
	return r.tracker.Save(ctx, agents)
}

// ClearLaunchGuard implements orchestrator.AgentRuntime.
func (r *Runtime) ClearLaunchGuard(workItemID string) {
	r.guard.Clear(workItemID)
}

// ShouldRetry implements orchestrator.AgentRuntime. A halted workflow is
// never retried; otherwise the retry fuse decides. Fuse errors are logged
// and its verdict stands.
func (r *Runtime) ShouldRetry(ctx context.Context, workItemID, role string) bool {
	if state := r.WorkflowState(ctx, workItemID); state.Halted() {
		return false
	}
	ok, err := r.fuse.Check(ctx, workItemID, role)
	if err != nil {
		r.logger.WithWorkItem(workItemID).Warn("retry fuse check failed", "allowed", ok, "error", err)
	}
	return ok
}

// SendAlert implements orchestrator.AgentRuntime and retry.Alerter.
func (r *Runtime) SendAlert(ctx context.Context, message string) bool {
	if err := r.alerter.Alert(ctx, message); err != nil {
		r.logger.Warn("alert delivery failed", "error", err)
		return false
	}
	return true
}

// AuditLog implements orchestrator.AgentRuntime. Failures are logged only.
func (r *Runtime) AuditLog(ctx context.Context, workItemID, event, details string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, audit.NewEvent(workItemID, event, details)); err != nil {
		r.logger.WithWorkItem(workItemID).Warn("audit record failed", "event", event, "error", err)
	}
}

// FinalizeWorkflow implements orchestrator.AgentRuntime. The workflow is
// marked COMPLETED; pull requests and issue closing are left to the tracker
// that owns the work item.
func (r *Runtime) FinalizeWorkflow(ctx context.Context, workItemID, repo, lastRole, project string) (orchestrator.FinalizeResult, error) {
	reason := "completed after " + lastRole
	if err := r.workflows.SetState(ctx, workItemID, orchestrator.StateCompleted, reason); err != nil {
		return orchestrator.FinalizeResult{}, err
	}
	r.guard.Clear(workItemID)
	r.AuditLog(ctx, workItemID, audit.WorkflowFinalized,
		fmt.Sprintf("last_agent=%s repo=%s project=%s", lastRole, repo, project))
	_ = r.SendAlert(ctx, fmt.Sprintf("✅ Workflow complete for work item %s (last agent: %s, repo: %s)", workItemID, lastRole, repo))
	return orchestrator.FinalizeResult{}, nil
}

// WorkflowState implements orchestrator.Hooks.
func (r *Runtime) WorkflowState(ctx context.Context, workItemID string) orchestrator.WorkflowState {
	wf, ok, err := r.workflows.Get(ctx, workItemID)
	if err != nil || !ok {
		return ""
	}
	return wf.State
}

// ShouldRetryDeadAgent implements orchestrator.Hooks: without an expected
// agent any role may be retried.
func (r *Runtime) ShouldRetryDeadAgent(ctx context.Context, workItemID, role string) bool {
	expected := r.ExpectedRunningAgent(ctx, workItemID)
	if expected == "" {
		return true
	}
	return normalizeRole(expected) == normalizeRole(role)
}

// IsProcessRunning implements orchestrator.Hooks.
func (r *Runtime) IsProcessRunning(ctx context.Context, workItemID string) bool {
	agents, err := r.tracker.Load(ctx, false)
	if err != nil {
		return false
	}
	e := agents[workItemID]
	return e.HasProcess() && r.IsPIDAlive(e.PID)
}

// NotifyTimeout implements orchestrator.Hooks.
func (r *Runtime) NotifyTimeout(ctx context.Context, workItemID, role string, willRetry bool) {
	action := "manual intervention required"
	if willRetry {
		action = "retrying"
	}
	_ = r.SendAlert(ctx, fmt.Sprintf("⏱️ Agent timeout for work item %s (%s): killed, %s", workItemID, role, action))
}

// ExpectedRunningAgent implements orchestrator.Hooks.
func (r *Runtime) ExpectedRunningAgent(ctx context.Context, workItemID string) string {
	wf, ok, err := r.workflows.Get(ctx, workItemID)
	if err != nil || !ok || wf.State.Halted() {
		return ""
	}
	return wf.ExpectedAgent
}

// AgentTimeout implements orchestrator.Hooks.
func (r *Runtime) AgentTimeout(_ context.Context, _ string, role string) time.Duration {
	if r.cfg.RoleTimeout == nil {
		return 0
	}
	return r.cfg.RoleTimeout(role)
}

// PostCompletionComment implements orchestrator.Hooks.
func (r *Runtime) PostCompletionComment(ctx context.Context, workItemID, repo, body string) bool {
	if r.commenter == nil {
		return true
	}
	if err := r.commenter.Comment(ctx, workItemID, repo, body); err != nil {
		r.logger.WithWorkItem(workItemID).Warn("completion comment failed", "repo", repo, "error", err)
		return false
	}
	return true
}

// LatestIssueLog implements orchestrator.Hooks.
func (r *Runtime) LatestIssueLog(_ context.Context, workItemID string) string {
	logs, err := orchestrator.FindAgentLogs(r.cfg.BaseDir, r.cfg.NexusDir)
	if err != nil {
		return ""
	}
	for _, l := range logs {
		if l.WorkItemID == workItemID {
			return l.Path
		}
	}
	return ""
}

func (r *Runtime) onFuseTrip(ctx context.Context, trip retry.Trip) {
	kind := "soft"
	if trip.Hard {
		kind = "hard"
	}
	r.AuditLog(ctx, trip.WorkItemID, audit.RetryFuseTripped,
		fmt.Sprintf("%s trip for %s after %d attempts (trip %d)", kind, trip.AgentRole, trip.Attempts, trip.TripCount))
	if r.metrics != nil {
		r.metrics.FuseTripped(trip.Hard)
	}
}

// quotaFallback drops the exhausted agent and relaunches the same role
// without its tool.
func (r *Runtime) quotaFallback(ctx context.Context, d watchdog.Detection) error {
	w := d.WorkItemID
	exclude := watchdog.MergeExclusions(d.ExcludeTools, d.Tool)
	r.AuditLog(ctx, w, audit.QuotaFallback,
		fmt.Sprintf("%s quota exhausted (pid=%d reason=%s); excluding %s", d.Tool, d.PID, d.Reason, strings.Join(exclude, ",")))
	if r.metrics != nil {
		r.metrics.WatchdogFallback(d.Tool)
	}

	err := tracker.Update(ctx, r.tracker, func(agents tracker.Agents) bool {
		e := agents[w]
		if e == nil || e.PID != d.PID {
			return false
		}
		return agents.Purge(w)
	})
	if err != nil {
		return fmt.Errorf("drop exhausted agent: %w", err)
	}
	r.guard.Clear(w)

	res, err := r.LaunchAgent(ctx, orchestrator.LaunchRequest{
		WorkItemID:   w,
		AgentRole:    d.AgentRole,
		Trigger:      orchestrator.TriggerQuotaFallback,
		ExcludeTools: exclude,
	})
	if err != nil {
		_ = r.SendAlert(ctx, fmt.Sprintf("❌ No agent tools available after %s quota on work item %s. Manual intervention required.", d.Tool, w))
		return err
	}
	if res.Launched() {
		_ = r.SendAlert(ctx, fmt.Sprintf("⚠️ %s quota detected for work item %s; fell back to %s (PID %d)", d.Tool, w, res.Tool, res.PID))
	}
	return nil
}
