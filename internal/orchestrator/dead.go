package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/Iron-Ham/agentwarden/internal/audit"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

func deadKey(workItemID string, pid int) string {
	return fmt.Sprintf("%s:%d", workItemID, pid)
}

// DetectDeadAgents is Pass C. Every tracked PID that is no longer alive is
// reported once per process lifetime. Inside its timeout window a PID must
// miss LivenessMissThreshold consecutive checks first, which gives Pass A
// time to pick up a completion the agent wrote just before exiting.
func (o *Orchestrator) DetectDeadAgents(ctx context.Context) error {
	agents, err := o.loadTracker(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return completion.LessWorkItem(ids[i], ids[j]) })

	now := o.now()
	for _, w := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := agents[w]
		if !entry.HasProcess() {
			continue
		}
		pid := entry.PID
		key := deadKey(w, pid)
		role := entry.AgentRole
		if role == "" {
			role = "unknown"
		}
		log := o.logger.WithWorkItem(w).WithRole(role)

		if o.runtime.IsPIDAlive(pid) {
			delete(o.deadMisses, key)
			continue
		}

		o.deadMisses[key]++
		misses := o.deadMisses[key]
		timeout := o.resolveTimeout(ctx, w, role)
		required := o.cfg.LivenessMissThreshold
		if now.Sub(entry.LaunchTime()) >= timeout {
			required = 1
		}
		if misses < required {
			log.Debug("dead-agent liveness miss", "pid", pid, "misses", misses, "required", required)
			continue
		}

		if state := o.runtime.WorkflowState(ctx, w); state.Halted() {
			log.Debug("skipping dead-agent check", "workflow_state", string(state))
			continue
		}
		if o.deadAlerted[key] {
			continue
		}

		if !o.runtime.ShouldRetryDeadAgent(ctx, w, role) {
			log.Info("workflow no longer expects dead agent", "pid", pid)
			o.runtime.AuditLog(ctx, w, audit.AgentDeadStale,
				fmt.Sprintf("PID %d (%s) no longer matches workflow RUNNING step", pid, role))
			if err := o.purge(ctx, w, pid); err != nil {
				return err
			}
			o.deadAlerted[key] = true
			delete(o.deadMisses, key)
			continue
		}

		age := now.Sub(entry.LaunchTime())
		willRetry := o.runtime.ShouldRetry(ctx, w, role)
		latestLog := o.runtime.LatestIssueLog(ctx, w)

		log.Warn("dead agent", "pid", pid, "age_min", minutes(age), "tool", entry.Tool)
		o.metrics.DeadAgent()
		o.runtime.AuditLog(ctx, w, audit.AgentDead,
			fmt.Sprintf("PID %d (%s) exited without completion after %dmin", pid, role, minutes(age)))

		if willRetry {
			if !o.runtime.SendAlert(ctx, crashedRetryMessage(w, role, pid, entry.Tool, latestLog)) {
				log.Warn("dead-agent alert not delivered, will retry next pass", "pid", pid)
				continue
			}
			o.deadAlerted[key] = true
			delete(o.deadMisses, key)
			if err := o.purge(ctx, w, pid); err != nil {
				return err
			}
			o.runtime.ClearLaunchGuard(w)
			o.relaunch(ctx, w, role, TriggerDeadAgentRetry, entry.Tool)
			continue
		}

		if !o.runtime.SendAlert(ctx, crashedManualMessage(w, role, pid, latestLog)) {
			log.Warn("dead-agent alert not delivered, will retry next pass", "pid", pid)
			continue
		}
		o.deadAlerted[key] = true
		delete(o.deadMisses, key)
		if err := o.purge(ctx, w, pid); err != nil {
			return err
		}
	}
	return nil
}
