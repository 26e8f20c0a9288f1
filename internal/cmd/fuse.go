package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/retry"
)

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Inspect or reset the retry fuse of a work item",
}

var fuseStatusCmd = &cobra.Command{
	Use:   "status <work-item>",
	Short: "Show the retry fuse of a work item",
	Args:  cobra.ExactArgs(1),
	RunE:  runFuseStatus,
}

var fuseResetCmd = &cobra.Command{
	Use:   "reset <work-item>",
	Short: "Clear the retry fuse so retries start from a fresh budget",
	Long: `Clear the retry fuse of a work item. The tracked agent process, if any,
is kept. A workflow paused by a hard trip stays paused; resume it with
'agentwarden workflow resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runFuseReset,
}

func init() {
	fuseCmd.AddCommand(fuseStatusCmd)
	fuseCmd.AddCommand(fuseResetCmd)
	rootCmd.AddCommand(fuseCmd)
}

func runFuseStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.fuse().Status(ctx, args[0])
	if err != nil {
		return err
	}
	printFuseStatus(cmd.OutOrStdout(), st)
	return nil
}

func printFuseStatus(out io.Writer, st retry.Status) {
	fmt.Fprintln(out, titleStyle.Render("Retry fuse for work item "+st.WorkItemID))
	if !st.Exists {
		fmt.Fprintln(out, mutedStyle.Render("No retry attempts recorded"))
		if st.TripsInHardWindow > 0 {
			fmt.Fprintf(out, "Trips in hard window: %d/%d\n", st.TripsInHardWindow, st.HardTripThreshold)
		}
		return
	}

	state := okStyle.Render("closed")
	switch {
	case st.HardTripped:
		state = errStyle.Render("HARD-TRIPPED")
	case st.Tripped:
		state = warnStyle.Render("TRIPPED")
	}
	fmt.Fprintf(out, "State:    %s\n", state)
	fmt.Fprintf(out, "Agent:    %s\n", st.AgentRole)
	fmt.Fprintf(out, "Attempts: %d/%d\n", st.Attempts, st.MaxAttempts)
	fmt.Fprintf(out, "Window:   %s elapsed, %s remaining of %s\n",
		formatAge(st.WindowElapsed), formatAge(st.WindowRemaining), formatAge(st.Window))
	if !st.TrippedAt.IsZero() {
		fmt.Fprintf(out, "Tripped:  %s (alerted: %v)\n", st.TrippedAt.Local().Format("2006-01-02 15:04:05"), st.Alerted)
	}
	fmt.Fprintf(out, "Trips in hard window: %d/%d\n", st.TripsInHardWindow, st.HardTripThreshold)
}

func runFuseReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.fuse().Reset(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Retry fuse reset for work item %s\n", okStyle.Render("✓"), args[0])
	return nil
}
