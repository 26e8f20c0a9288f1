package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/audit"
	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

// CheckStuckAgents is Pass B followed by Pass C. The newest activity log of
// each work item under baseDir is compared against the agent's timeout; a
// timed-out agent is killed and, when the retry fuse allows, relaunched
// without the tool that stalled.
func (o *Orchestrator) CheckStuckAgents(ctx context.Context, baseDir string) error {
	if err := o.checkLogTimeouts(ctx, baseDir); err != nil {
		if errors.IsStoreFault(err) || ctx.Err() != nil {
			return err
		}
		o.logger.Warn("stuck agent check failed", "error", err)
	}
	return o.DetectDeadAgents(ctx)
}

func (o *Orchestrator) checkLogTimeouts(ctx context.Context, baseDir string) error {
	logs, err := FindAgentLogs(baseDir, o.cfg.NexusDir)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}

	agents, err := o.loadTracker(ctx)
	if err != nil {
		return err
	}

	now := o.now()
	for _, lg := range logs {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := lg.WorkItemID

		role := ""
		if e := agents[w]; e != nil {
			role = e.AgentRole
		}
		if !knownRole(role) {
			role = o.runtime.ExpectedRunningAgent(ctx, w)
		}
		timeout := o.resolveTimeout(ctx, w, role)

		timedOut, pid := o.runtime.CheckLogTimeout(ctx, w, lg.Path, timeout)
		if !timedOut {
			timedOut = now.Sub(lg.ModTime) > timeout
		}
		if !timedOut {
			continue
		}

		if err := o.handleTimeout(ctx, lg, pid, timeout); err != nil {
			if errors.IsStoreFault(err) {
				return err
			}
			o.logger.WithWorkItem(w).Warn("timeout handling failed", "log", lg.Path, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) handleTimeout(ctx context.Context, lg AgentLog, probePID int, timeout time.Duration) error {
	w := lg.WorkItemID
	log := o.logger.WithWorkItem(w)

	if state := o.runtime.WorkflowState(ctx, w); state.Halted() {
		log.Debug("skipping timeout handling", "workflow_state", string(state))
		return nil
	}

	agents, err := o.loadTracker(ctx)
	if err != nil {
		return err
	}
	entry := agents[w]
	if entry == nil {
		entry = &tracker.Entry{}
	}
	trackerPID := entry.PID
	role := entry.AgentRole
	if role == "" {
		role = "unknown"
	}
	crashedTool := entry.Tool
	effectivePID := trackerPID
	if effectivePID == 0 {
		effectivePID = probePID
	}

	age := o.now().Sub(lg.ModTime)
	log.Warn("step timeout detected",
		"agent_role", role,
		"inactivity", age.Round(time.Second).String(),
		"threshold", timeout.String(),
		"log", lg.Path,
	)
	o.runtime.AuditLog(ctx, w, audit.StepTimeout, fmt.Sprintf("agent=%s inactivity=%.0fs threshold=%.0fs log=%s",
		role, age.Seconds(), timeout.Seconds(), lg.Path))

	if o.cfg.TimeoutAction == TimeoutAlertOnly {
		_ = o.runtime.SendAlert(ctx, alertOnlyTimeoutMessage(w, role))
		return nil
	}

	if launched := entry.LaunchTime(); !launched.IsZero() && lg.ModTime.Add(staleLogSlack).Before(launched) {
		log.Info("ignoring timeout log older than the current launch", "log", lg.Path)
		return nil
	}

	if !knownRole(role) {
		if expected := o.runtime.ExpectedRunningAgent(ctx, w); expected != "" {
			role = expected
		}
	}

	if knownRole(role) && !o.runtime.ShouldRetryDeadAgent(ctx, w, role) {
		log.Info("workflow no longer expects timed-out agent", "agent_role", role)
		o.runtime.AuditLog(ctx, w, audit.AgentTimeoutStale,
			fmt.Sprintf("Timed-out agent %s no longer matches workflow RUNNING step", role))
		return o.purge(ctx, w, 0)
	}

	if effectivePID > 0 && !o.runtime.IsPIDAlive(effectivePID) {
		if trackerPID > 0 {
			// Pass C owns tracked dead processes.
			return nil
		}
		effectivePID = 0
	}

	if effectivePID == 0 {
		return o.handleOrphan(ctx, w, age)
	}

	if !o.runtime.KillProcess(effectivePID) {
		log.Warn("failed to kill stuck agent", "pid", effectivePID)
		return nil
	}
	o.deadAlerted[deadKey(w, effectivePID)] = true
	log.Info("killed stuck agent", "pid", effectivePID, "inactivity_min", minutes(age))
	o.runtime.AuditLog(ctx, w, audit.AgentKilled,
		fmt.Sprintf("PID %d killed after %dmin of inactivity", effectivePID, minutes(age)))

	willRetry := o.runtime.ShouldRetry(ctx, w, role)
	if o.cfg.TimeoutAction == TimeoutFailStep {
		willRetry = false
	}
	o.runtime.NotifyTimeout(ctx, w, role, willRetry)

	if !willRetry {
		return nil
	}
	if err := o.purge(ctx, w, trackerPID); err != nil {
		return err
	}
	o.runtime.ClearLaunchGuard(w)
	o.relaunch(ctx, w, role, TriggerTimeoutRetry, crashedTool)
	return nil
}

// handleOrphan deals with a workflow step that is RUNNING but has no live
// process and no tracker entry.
func (o *Orchestrator) handleOrphan(ctx context.Context, w string, age time.Duration) error {
	expected := o.runtime.ExpectedRunningAgent(ctx, w)
	if expected == "" {
		return nil
	}
	key := w + ":orphan:" + expected
	if o.orphanAlerted[key] {
		return nil
	}
	log := o.logger.WithWorkItem(w).WithRole(expected)

	if !o.runtime.ShouldRetryDeadAgent(ctx, w, expected) {
		o.runtime.AuditLog(ctx, w, audit.AgentDeadStale,
			fmt.Sprintf("Orphaned RUNNING step (%s) no longer workflow-valid", expected))
		o.orphanAlerted[key] = true
		return nil
	}

	willRetry := o.runtime.ShouldRetry(ctx, w, expected)
	if !o.runtime.SendAlert(ctx, orphanMessage(w, expected, willRetry)) {
		log.Warn("orphaned step alert not delivered, will retry next pass")
		return nil
	}
	o.runtime.AuditLog(ctx, w, audit.AgentOrphanedRunningStep,
		fmt.Sprintf("%s has no live process or tracker entry (log age %dmin)", expected, minutes(age)))
	o.orphanAlerted[key] = true

	if willRetry {
		o.runtime.ClearLaunchGuard(w)
		o.relaunch(ctx, w, expected, TriggerOrphanTimeoutRetry, "")
	}
	return nil
}
