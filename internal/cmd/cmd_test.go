package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/agentwarden/internal/audit"
	"github.com/Iron-Ham/agentwarden/internal/config"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, stdin string, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeTestConfig points the state and workspace directories at temp dirs.
func writeTestConfig(t *testing.T) (path, baseDir, stateDir string) {
	t.Helper()
	dir := t.TempDir()
	baseDir = filepath.Join(dir, "work")
	stateDir = filepath.Join(dir, "state")
	path = filepath.Join(dir, "config.yaml")
	body := "paths:\n" +
		"  base_dir: " + baseDir + "\n" +
		"  state_dir: " + stateDir + "\n" +
		"agents:\n" +
		"  quota_watchdog: false\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, baseDir, stateDir
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "agentwarden" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "agentwarden")
	}
	expected := []string{"run", "once", "status", "fuse", "completions", "audit", "workflow", "config"}
	cmdMap := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = true
	}
	for _, name := range expected {
		if !cmdMap[name] {
			t.Errorf("expected subcommand %q not found", name)
		}
	}
}

func TestCommandsAgainstFileStores(t *testing.T) {
	cfgPath, baseDir, stateDir := writeTestConfig(t)

	out, err := executeCommand(rootCmd, `{"summary":"tests added","next_agent":"reviewer"}`,
		"--config", cfgPath, "completions", "save", "7", "developer")
	if err != nil {
		t.Fatalf("completions save failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "7:developer:completion_summary_7.json") {
		t.Errorf("save output = %q", out)
	}
	summary := filepath.Join(baseDir, ".nexus", "tasks", "default", "completions", "completion_summary_7.json")
	if _, err := os.Stat(summary); err != nil {
		t.Errorf("summary not written: %v", err)
	}

	out, err = executeCommand(rootCmd, "", "--config", cfgPath, "completions", "list")
	if err != nil {
		t.Fatalf("completions list failed: %v", err)
	}
	if !strings.Contains(out, "reviewer") {
		t.Errorf("list output missing next agent:\n%s", out)
	}

	out, err = executeCommand(rootCmd, "", "--config", cfgPath, "workflow", "pause", "7", "--reason", "investigating")
	if err != nil {
		t.Fatalf("workflow pause failed: %v", err)
	}
	if !strings.Contains(out, "PAUSED") {
		t.Errorf("pause output = %q", out)
	}
	out, err = executeCommand(rootCmd, "", "--config", cfgPath, "workflow", "list")
	if err != nil {
		t.Fatalf("workflow list failed: %v", err)
	}
	if !strings.Contains(out, "investigating") {
		t.Errorf("workflow list missing reason:\n%s", out)
	}

	if _, err := executeCommand(rootCmd, "", "--config", cfgPath, "workflow", "state", "7", "sideways"); err == nil {
		t.Error("invalid workflow state accepted")
	}

	out, err = executeCommand(rootCmd, "", "--config", cfgPath, "fuse", "status", "7")
	if err != nil {
		t.Fatalf("fuse status failed: %v", err)
	}
	if !strings.Contains(out, "No retry attempts recorded") {
		t.Errorf("fuse status output:\n%s", out)
	}

	out, err = executeCommand(rootCmd, "", "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No tracked agents") {
		t.Errorf("status output:\n%s", out)
	}

	if _, err := os.Stat(filepath.Join(stateDir, "workflows.json")); err != nil {
		t.Errorf("workflow state not persisted under state dir: %v", err)
	}
}

func TestNewAppSQLiteBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.BaseDir = filepath.Join(dir, "work")
	cfg.Paths.StateDir = filepath.Join(dir, "state")
	cfg.Completion.Backend = "sqlite"
	cfg.Tracker.Backend = "sqlite"

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	if a.db == nil {
		t.Fatal("sqlite backends should open the database")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.StateDir, "agentwarden.db")); err != nil {
		t.Errorf("database not created in state dir: %v", err)
	}

	if _, err := a.completions.Save(ctx, "3", "qa", map[string]any{"next_agent": "none"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	detected, err := a.completions.Scan(ctx, "")
	if err != nil || len(detected) != 1 {
		t.Fatalf("Scan = %d, %v; want 1 completion", len(detected), err)
	}

	err = tracker.Update(ctx, a.tracker, func(agents tracker.Agents) bool {
		agents["3"] = &tracker.Entry{PID: 4242, AgentRole: "qa"}
		return true
	})
	if err != nil {
		t.Fatalf("tracker update failed: %v", err)
	}
	agents, err := a.tracker.Load(ctx, false)
	if err != nil || agents["3"] == nil || agents["3"].PID != 4242 {
		t.Errorf("tracker round trip = %+v, %v", agents["3"], err)
	}

	if err := a.audit.Record(ctx, audit.NewEvent("3", audit.AgentLaunched, "qa")); err != nil {
		t.Fatalf("audit Record failed: %v", err)
	}
	events, err := a.audit.List(ctx, audit.Filter{WorkItemID: "3"})
	if err != nil || len(events) != 1 {
		t.Errorf("audit List = %d, %v; want 1 event", len(events), err)
	}
}

func TestRuntimeAndOrchestratorWiring(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Paths.BaseDir = t.TempDir()
	cfg.Paths.StateDir = t.TempDir()
	cfg.LaunchGuard.ProcessProbe = false
	cfg.Agents.QuotaWatchdog = false
	cfg.Orchestrator.TimeoutAction = "alert_only"

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	rt := a.runtime()
	defer rt.Close()
	o := a.orchestrator(rt)

	if got := o.Config().TimeoutAction; got != orchestrator.TimeoutAlertOnly {
		t.Errorf("TimeoutAction = %q, want alert_only", got)
	}
	if got := rt.Fuse().Limits().MaxAttempts; got != cfg.RetryFuse.MaxAttempts {
		t.Errorf("fuse MaxAttempts = %d, want %d", got, cfg.RetryFuse.MaxAttempts)
	}
	if err := o.ScanAndProcessCompletions(ctx, orchestrator.NewDedupSet()); err != nil {
		t.Errorf("empty workspace scan failed: %v", err)
	}
}

func TestStatusRows(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	agents := tracker.Agents{
		"10": {PID: 11, AgentRole: "qa", Tool: "codex", LaunchedAt: tracker.UnixSeconds(now.Add(-90 * time.Minute))},
		"2":  {PID: 22, AgentRole: "developer", Tool: "claude", LaunchedAt: tracker.UnixSeconds(now.Add(-30 * time.Second))},
		"3":  {RetryFuse: &tracker.FuseState{Tripped: true}},
	}
	alive := func(pid int) bool { return pid == 22 }

	rows := statusRows(agents, map[string]string{"2": "ACTIVE"}, now, alive)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	order := []string{rows[0][0], rows[1][0], rows[2][0]}
	if strings.Join(order, ",") != "2,3,10" {
		t.Errorf("row order = %v, want numeric work item order", order)
	}
	if !strings.Contains(rows[0][4], "alive") || !strings.Contains(rows[2][4], "dead") {
		t.Errorf("liveness cells = %q, %q", rows[0][4], rows[2][4])
	}
	if !strings.Contains(rows[0][5], "30s ago") || !strings.Contains(rows[2][5], "1h30m ago") {
		t.Errorf("launched cells = %q, %q", rows[0][5], rows[2][5])
	}
	if !strings.Contains(rows[1][6], "tripped") {
		t.Errorf("fuse cell = %q, want tripped", rows[1][6])
	}
	if rows[1][3] != "-" {
		t.Errorf("pid cell for fuse-only entry = %q, want -", rows[1][3])
	}
}

func TestRenderTableAligns(t *testing.T) {
	out := renderTable([]string{"A", "LONG HEADER"}, [][]string{{"wide cell", "x"}, {"y", "z"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	col := strings.Index(lines[1], "x")
	if got := strings.Index(lines[2], "z"); got != col {
		t.Errorf("second column starts at %d and %d, want aligned", col, got)
	}
	if lipgloss.Width(lines[0]) < len("A")+2+len("LONG HEADER") {
		t.Errorf("header line too narrow: %q", lines[0])
	}
}

func TestParseWorkflowState(t *testing.T) {
	tests := []struct {
		in      string
		want    orchestrator.WorkflowState
		wantErr bool
	}{
		{"paused", orchestrator.StatePaused, false},
		{" Active ", orchestrator.StateActive, false},
		{"CANCELLED", orchestrator.StateCancelled, false},
		{"done", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseWorkflowState(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseWorkflowState(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestReadPayload(t *testing.T) {
	p, err := readPayload(strings.NewReader(`{"next_agent":"qa","effort":{"dev":1.5}}`))
	if err != nil {
		t.Fatalf("readPayload failed: %v", err)
	}
	if p["next_agent"] != "qa" {
		t.Errorf("next_agent = %v", p["next_agent"])
	}
	for _, bad := range []string{`[1,2]`, `null`, `not json`} {
		if _, err := readPayload(strings.NewReader(bad)); err == nil {
			t.Errorf("readPayload(%s) should fail", bad)
		}
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
