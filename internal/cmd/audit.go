package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/agentwarden/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the supervisor's audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events, newest first",
	RunE:  runAuditList,
}

var (
	auditWorkItem string
	auditEvent    string
	auditSince    time.Duration
	auditLimit    int
)

func init() {
	auditListCmd.Flags().StringVarP(&auditWorkItem, "work-item", "w", "", "only events for this work item")
	auditListCmd.Flags().StringVarP(&auditEvent, "event", "e", "", "only this event (e.g. AGENT_DEAD)")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "only events newer than this (e.g. 24h)")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "maximum events to show (0 = all)")
	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := audit.Filter{WorkItemID: auditWorkItem, Name: auditEvent, Limit: auditLimit}
	if auditSince > 0 {
		filter.Since = time.Now().Add(-auditSince)
	}
	events, err := a.audit.List(ctx, filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No audit events"))
		return nil
	}

	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			e.At.Local().Format("2006-01-02 15:04:05"),
			e.WorkItemID,
			eventStyle(e.Name).Render(e.Name),
			e.Details,
		})
	}
	fmt.Fprint(out, renderTable([]string{"TIME", "WORK ITEM", "EVENT", "DETAILS"}, rows))
	return nil
}

func eventStyle(name string) lipgloss.Style {
	switch name {
	case audit.AgentLaunched, audit.WorkflowFinalized:
		return okStyle
	case audit.AgentDead, audit.AgentLaunchFailed, audit.RetryFuseTripped:
		return errStyle
	case audit.AgentKilled, audit.StepTimeout, audit.QuotaFallback, audit.AgentOrphanedRunningStep:
		return warnStyle
	default:
		return mutedStyle
	}
}
