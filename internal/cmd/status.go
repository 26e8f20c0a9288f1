package cmd

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
	"github.com/Iron-Ham/agentwarden/internal/process"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked agents and their workflows",
	Long: `Show every work item in the launched-agents tracker with its agent
process, liveness, retry fuse and workflow state.`,
	RunE: runStatus,
}

var (
	statusRecent bool
	statusJSON   bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusRecent, "recent", false, "only agents launched inside the tracker's recent window")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw tracker as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	agents, err := a.tracker.Load(ctx, statusRecent)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}
	if len(agents) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No tracked agents"))
		return nil
	}

	fmt.Fprintln(out, titleStyle.Render("Tracked agents"))
	fmt.Fprint(out, renderTable(
		[]string{"WORK ITEM", "AGENT", "TOOL", "PID", "STATE", "LAUNCHED", "FUSE", "WORKFLOW"},
		statusRows(agents, a.workflowStates(cmd), time.Now(), process.IsAlive),
	))
	return nil
}

func (a *app) workflowStates(cmd *cobra.Command) map[string]string {
	states := make(map[string]string)
	wfs, err := a.workflows.List(cmd.Context())
	if err != nil {
		return states
	}
	for _, wf := range wfs {
		states[wf.WorkItemID] = string(wf.State)
	}
	return states
}

func statusRows(agents tracker.Agents, workflows map[string]string, now time.Time, isAlive func(int) bool) [][]string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(x, y string) int {
		switch {
		case completion.LessWorkItem(x, y):
			return -1
		case completion.LessWorkItem(y, x):
			return 1
		}
		return 0
	})

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		e := agents[id]
		if e == nil {
			continue
		}
		pid, state, launched := "-", mutedStyle.Render("none"), "-"
		if e.HasProcess() {
			pid = strconv.Itoa(e.PID)
			if isAlive(e.PID) {
				state = okStyle.Render("alive")
			} else {
				state = errStyle.Render("dead")
			}
		}
		if t := e.LaunchTime(); !t.IsZero() {
			launched = formatAge(now.Sub(t)) + " ago"
		}
		wf := workflows[id]
		if wf == "" {
			wf = "-"
		}
		rows = append(rows, []string{
			id,
			orDash(e.AgentRole),
			orDash(e.Tool),
			pid,
			state,
			launched,
			fuseCell(e.RetryFuse),
			stateStyle(wf).Render(wf),
		})
	}
	return rows
}

func fuseCell(f *tracker.FuseState) string {
	switch {
	case f == nil:
		return "-"
	case f.HardTripped:
		return errStyle.Render("hard-tripped")
	case f.Tripped:
		return warnStyle.Render("tripped")
	default:
		return fmt.Sprintf("%d attempt(s)", f.Attempts)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge renders d at the coarsest useful unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
