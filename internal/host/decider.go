package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

// Decider is a minimal workflow engine over the WorkflowStore. A work item
// without a workflow record is left to its completion's next_agent. With a
// record, the completing role must match the expected agent, and the
// completion's next_agent becomes the new expectation.
type Decider struct {
	workflows *WorkflowStore
}

// NewDecider returns a Decider backed by workflows.
func NewDecider(workflows *WorkflowStore) *Decider {
	return &Decider{workflows: workflows}
}

// CompleteStep implements orchestrator.WorkflowDecider.
func (d *Decider) CompleteStep(ctx context.Context, workItemID, role string, outputs map[string]any, eventID string) (*orchestrator.StepOutcome, error) {
	wf, ok, err := d.workflows.Get(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	if eventID != "" && wf.LastEventID == eventID {
		return outcomeOf(wf), nil
	}
	switch wf.State {
	case orchestrator.StateCompleted, orchestrator.StateFailed, orchestrator.StateCancelled, orchestrator.StateStopped:
		return nil, fmt.Errorf("workflow is %s: %w", wf.State, errors.ErrCompletionMismatch)
	}
	if wf.ExpectedAgent != "" && normalizeRole(wf.ExpectedAgent) != normalizeRole(role) {
		return nil, fmt.Errorf("workflow expects %s, completion is from %s: %w",
			wf.ExpectedAgent, role, errors.ErrCompletionMismatch)
	}

	next, _ := outputs["next_agent"].(string)
	next = strings.TrimSpace(next)

	var outcome *orchestrator.StepOutcome
	err = d.workflows.Update(ctx, workItemID, func(wf *Workflow) bool {
		wf.LastEventID = eventID
		if completion.IsTerminal(next) {
			wf.State = orchestrator.StateCompleted
			wf.ExpectedAgent = ""
			wf.Reason = "last agent " + role
		} else {
			wf.ExpectedAgent = next
		}
		outcome = outcomeOf(*wf)
		return true
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func outcomeOf(wf Workflow) *orchestrator.StepOutcome {
	if wf.State.Terminal() {
		return &orchestrator.StepOutcome{State: wf.State}
	}
	return &orchestrator.StepOutcome{State: orchestrator.StateActive, NextAgent: wf.ExpectedAgent}
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(role), "@"))
}
