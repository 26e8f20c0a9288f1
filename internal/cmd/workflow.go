package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and control work item workflows",
	Long: `Inspect and control the workflow record of each work item.

A workflow in PAUSED, STOPPED, COMPLETED, FAILED or CANCELLED is left alone
by the supervisor: no launches, no timeouts, no dead-agent retries.`,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE:  runWorkflowList,
}

var workflowPauseCmd = &cobra.Command{
	Use:   "pause <work-item>",
	Short: "Pause a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWorkflowState(cmd, args[0], orchestrator.StatePaused, workflowReason)
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <work-item>",
	Short: "Resume a paused or stopped workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWorkflowState(cmd, args[0], orchestrator.StateActive, workflowReason)
	},
}

var workflowStateCmd = &cobra.Command{
	Use:   "state <work-item> <state>",
	Short: "Set a workflow's state",
	Long: `Set a workflow's state to one of ACTIVE, PAUSED, STOPPED, COMPLETED,
FAILED or CANCELLED.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := parseWorkflowState(args[1])
		if err != nil {
			return err
		}
		return setWorkflowState(cmd, args[0], state, workflowReason)
	},
}

var workflowExpectCmd = &cobra.Command{
	Use:   "expect <work-item> <agent-role>",
	Short: "Record which agent the workflow expects to be running",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowExpect,
}

var workflowReason string

func init() {
	for _, c := range []*cobra.Command{workflowPauseCmd, workflowResumeCmd, workflowStateCmd} {
		c.Flags().StringVar(&workflowReason, "reason", "", "reason recorded with the state change")
	}
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowPauseCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowStateCmd)
	workflowCmd.AddCommand(workflowExpectCmd)
	rootCmd.AddCommand(workflowCmd)
}

func workflowStates() []orchestrator.WorkflowState {
	return []orchestrator.WorkflowState{
		orchestrator.StateActive,
		orchestrator.StatePaused,
		orchestrator.StateStopped,
		orchestrator.StateCompleted,
		orchestrator.StateFailed,
		orchestrator.StateCancelled,
	}
}

func parseWorkflowState(s string) (orchestrator.WorkflowState, error) {
	want := orchestrator.WorkflowState(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range workflowStates() {
		if st == want {
			return st, nil
		}
	}
	names := make([]string, 0, len(workflowStates()))
	for _, st := range workflowStates() {
		names = append(names, string(st))
	}
	return "", fmt.Errorf("invalid workflow state %q (valid: %s)", s, strings.Join(names, ", "))
}

func setWorkflowState(cmd *cobra.Command, workItemID string, state orchestrator.WorkflowState, reason string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.workflows.SetState(ctx, workItemID, state, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Work item %s is now %s\n",
		okStyle.Render("✓"), workItemID, stateStyle(string(state)).Render(string(state)))
	return nil
}

func runWorkflowExpect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.workflows.SetExpected(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Work item %s expects %s\n", okStyle.Render("✓"), args[0], args[1])
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	wfs, err := a.workflows.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(wfs) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No workflows recorded"))
		return nil
	}
	rows := make([][]string, 0, len(wfs))
	for _, wf := range wfs {
		state := string(wf.State)
		rows = append(rows, []string{
			wf.WorkItemID,
			stateStyle(state).Render(state),
			orDash(wf.ExpectedAgent),
			orDash(wf.Project),
			wf.UpdatedAt.Local().Format("2006-01-02 15:04"),
			wf.Reason,
		})
	}
	fmt.Fprint(out, renderTable([]string{"WORK ITEM", "STATE", "EXPECTED", "PROJECT", "UPDATED", "REASON"}, rows))
	return nil
}
