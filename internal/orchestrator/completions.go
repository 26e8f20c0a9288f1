package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

// DedupSet records the completion dedup keys handled by this process. The
// supervisor owns one set for its lifetime.
type DedupSet map[string]struct{}

// NewDedupSet returns an empty set.
func NewDedupSet() DedupSet { return make(DedupSet) }

// Has reports whether key was marked.
func (s DedupSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Mark records key.
func (s DedupSet) Mark(key string) { s[key] = struct{}{} }

// Unmark forgets key so it is processed again.
func (s DedupSet) Unmark(key string) { delete(s, key) }

// ScanAndProcessCompletions is Pass A. Each completion not yet in seen is
// commented on, handed to the workflow decider and either finalized or
// chained to the next agent. A failure on one completion is logged and the
// batch continues; only completion-store and tracker faults are returned.
func (o *Orchestrator) ScanAndProcessCompletions(ctx context.Context, seen DedupSet) error {
	detected, err := o.store.Scan(ctx, "")
	if err != nil {
		return fmt.Errorf("scan completions: %w", err)
	}

	for _, d := range detected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Summary == nil {
			continue
		}
		key := d.DedupKey()
		if seen.Has(key) {
			continue
		}

		err := o.tryProcessCompletion(ctx, d, key, seen)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrCompletionMismatch):
			seen.Mark(key)
			o.metrics.CompletionProcessed(OutcomeStale)
			o.logger.WithWorkItem(d.WorkItemID).Info("skipping completion that no longer matches the workflow",
				"agent_role", d.Summary.AgentRole, "error", err)
		case errors.IsStoreFault(err):
			return err
		default:
			o.metrics.CompletionProcessed(OutcomeError)
			o.logger.WithWorkItem(d.WorkItemID).Warn("error processing completion",
				"location", d.Location, "error", err)
		}
	}
	return nil
}

// tryProcessCompletion converts a panic while handling one completion into a
// work item error.
func (o *Orchestrator) tryProcessCompletion(ctx context.Context, d completion.Detected, key string, seen DedupSet) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = o.processCompletion(ctx, d, key, seen) })
	if r := pc.Recovered(); r != nil {
		return errors.NewWorkItemError(d.WorkItemID, "process completion", r.AsError())
	}
	return err
}

func (o *Orchestrator) processCompletion(ctx context.Context, d completion.Detected, key string, seen DedupSet) error {
	w := d.WorkItemID
	summary := d.Summary
	role := summary.AgentRole
	log := o.logger.WithWorkItem(w).WithRole(role)

	if o.isStaleReplay(ctx, d) {
		log.Info("skipping stale completion replay", "location", d.Location, "age", o.now().Sub(d.ModTime).String())
		seen.Mark(key)
		o.metrics.CompletionProcessed(OutcomeStale)
		return nil
	}

	if o.runtime.IsProcessRunning(ctx, w) {
		log.Debug("agent still running, deferring completion")
		o.metrics.CompletionProcessed(OutcomeDeferred)
		return nil
	}

	project := o.resolver.ResolveProject(d.Location)
	repo := o.resolver.ResolveRepo(project, w)
	log.Info("agent completed", "repo", repo, "project", project)

	if !o.runtime.PostCompletionComment(ctx, w, repo, completion.BuildComment(summary)) {
		o.metrics.CompletionProcessed(OutcomeCommentFailed)
		if o.cfg.RequireCompletionComment {
			log.Warn("completion comment failed, auto-chain blocked")
			if !o.commentAlerted[key] && o.runtime.SendAlert(ctx, commentBlockedMessage(w, role)) {
				o.commentAlerted[key] = true
			}
			return nil
		}
		log.Warn("completion comment failed, continuing")
	}
	seen.Mark(key)

	next, done, reason, err := o.decideNext(ctx, w, summary, key)
	if err != nil {
		if !errors.Is(err, errors.ErrCompletionMismatch) {
			seen.Unmark(key)
		}
		return errors.NewWorkItemError(w, "complete step", err)
	}
	if done {
		return o.finishWorkflow(ctx, w, repo, role, project, reason)
	}

	if !o.cfg.ChainingEnabled {
		log.Info("chaining disabled, not launching next agent", "next_agent", next)
		return nil
	}

	_ = o.runtime.SendAlert(ctx, transitionMessage(w, role, next, repo))

	res, err := o.runtime.LaunchAgent(ctx, LaunchRequest{WorkItemID: w, AgentRole: next, Trigger: TriggerCompletionScan})
	switch {
	case err == nil && res.Launched():
		o.metrics.CompletionProcessed(OutcomeChained)
		o.metrics.Relaunch(TriggerCompletionScan)
		log.Info("auto-chained next agent", "next_agent", next, "pid", res.PID, "tool", res.Tool)
	case err == nil && res.Skipped != "":
		o.metrics.CompletionProcessed(OutcomeLaunchSkipped)
		log.Info("auto-chain launch skipped", "next_agent", next, "reason", string(res.Skipped))
	default:
		o.metrics.CompletionProcessed(OutcomeLaunchFailed)
		log.Error("failed to auto-chain next agent", "next_agent", next, "error", err)
		_ = o.runtime.SendAlert(ctx, chainFailedMessage(w, role, next))
	}
	return nil
}

// decideNext returns the next role, or done with a reason when the workflow
// has finished.
func (o *Orchestrator) decideNext(ctx context.Context, w string, summary *completion.Summary, key string) (next string, done bool, reason string, err error) {
	if o.decider != nil {
		outcome, err := o.decider.CompleteStep(ctx, w, summary.AgentRole, summary.Outputs(), key)
		if err != nil {
			return "", false, "", err
		}
		if outcome != nil {
			if outcome.State.Terminal() {
				return "", true, strings.ToLower(string(outcome.State)), nil
			}
			next = strings.TrimSpace(outcome.NextAgent)
			if completion.IsTerminal(next) {
				return "", true, "terminal-agent-ref", nil
			}
			o.logger.WithWorkItem(w).Info("workflow routed", "from", summary.AgentRole, "to", next)
			return next, false, "", nil
		}
	}

	if summary.IsWorkflowDone() {
		return "", true, "manual", nil
	}
	next = strings.TrimSpace(summary.NextAgent)
	if completion.IsTerminal(next) {
		return "", true, "terminal-agent-ref", nil
	}
	return next, false, "", nil
}

// isStaleReplay reports whether d is older than StaleCompletionAge and the
// workflow no longer expects its role.
func (o *Orchestrator) isStaleReplay(ctx context.Context, d completion.Detected) bool {
	if o.cfg.StaleCompletionAge <= 0 || d.ModTime.IsZero() {
		return false
	}
	if o.now().Sub(d.ModTime) <= o.cfg.StaleCompletionAge {
		return false
	}
	expected := o.runtime.ExpectedRunningAgent(ctx, d.WorkItemID)
	return expected == "" || normalizeRole(expected) != normalizeRole(d.Summary.AgentRole)
}

// finishWorkflow drops the tracker entry and finalizes the workflow.
func (o *Orchestrator) finishWorkflow(ctx context.Context, w, repo, lastRole, project, reason string) error {
	o.logger.WithWorkItem(w).Info("workflow finished", "reason", reason, "last_agent", lastRole)
	if err := o.forget(ctx, w); err != nil {
		return err
	}
	res, err := o.runtime.FinalizeWorkflow(ctx, w, repo, lastRole, project)
	if err != nil {
		return errors.NewWorkItemError(w, "finalize", err)
	}
	o.metrics.CompletionProcessed(OutcomeFinalized)
	o.logger.WithWorkItem(w).Info("workflow finalized", "pr_urls", res.PRURLs, "issue_closed", res.IssueClosed)
	return nil
}
