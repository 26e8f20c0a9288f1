package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

var completionsCmd = &cobra.Command{
	Use:   "completions",
	Short: "Save or list agent completion summaries",
}

var completionsSaveCmd = &cobra.Command{
	Use:   "save <work-item> <agent-role>",
	Short: "Record a completion summary for a work item",
	Long: `Record a completion summary. The payload is a JSON object read from
--file, or from stdin when --file is "-" or omitted. Set "_project" in the
payload to file it under a project other than "default".

Example:
  echo '{"summary":"tests added","next_agent":"reviewer"}' | \
    agentwarden completions save 42 developer`,
	Args: cobra.ExactArgs(2),
	RunE: runCompletionsSave,
}

var completionsListCmd = &cobra.Command{
	Use:   "list [work-item]",
	Short: "List the latest completion of each work item",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCompletionsList,
}

var completionsSaveFile string

func init() {
	completionsSaveCmd.Flags().StringVarP(&completionsSaveFile, "file", "f", "-", "JSON payload file")
	completionsCmd.AddCommand(completionsSaveCmd)
	completionsCmd.AddCommand(completionsListCmd)
	rootCmd.AddCommand(completionsCmd)
}

func runCompletionsSave(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if completionsSaveFile != "-" {
		f, err := os.Open(completionsSaveFile)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	payload, err := readPayload(r)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.completions.Save(ctx, args[0], args[1], payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Saved completion %s\n", okStyle.Render("✓"), key)
	return nil
}

func readPayload(r io.Reader) (map[string]any, error) {
	var payload map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("completion payload must be a JSON object: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("completion payload must be a JSON object")
	}
	return payload, nil
}

func runCompletionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	workItem := ""
	if len(args) == 1 {
		workItem = args[0]
	}
	detected, err := a.completions.Scan(ctx, workItem)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(detected) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No completions found"))
		return nil
	}

	rows := make([][]string, 0, len(detected))
	for _, d := range detected {
		rows = append(rows, completionRow(d))
	}
	fmt.Fprintln(out, titleStyle.Render("Completions"))
	fmt.Fprint(out, renderTable([]string{"WORK ITEM", "AGENT", "NEXT", "WRITTEN", "LOCATION"}, rows))
	return nil
}

func completionRow(d completion.Detected) []string {
	role, next := "-", "-"
	if d.Summary != nil {
		role = orDash(d.Summary.AgentRole)
		switch {
		case d.Summary.IsWorkflowDone():
			next = okStyle.Render("done")
		default:
			next = d.Summary.NextAgent
		}
	} else {
		role = errStyle.Render("unreadable")
	}
	return []string{d.WorkItemID, role, next, d.ModTime.Local().Format("2006-01-02 15:04"), mutedStyle.Render(d.Location)}
}
