package completion

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSummary(t *testing.T, root, project, workItemID, body string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(root, ".nexus", "tasks", project, "completions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, SummaryFileName(workItemID))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour)

	writeSummary(t, filepath.Join(root, "repo-a"), "alpha", "10", `{"agent_type":"dev","next_agent":"qa"}`, base)
	writeSummary(t, filepath.Join(root, "repo-b"), "beta", "9", `{"agent_type":"qa"}`, base)

	// Work item 5 has a corrupt newest file and a valid older one.
	writeSummary(t, filepath.Join(root, "repo-a"), "alpha", "5", `{"agent_type":"old"}`, base)
	writeSummary(t, filepath.Join(root, "repo-b"), "beta", "5", `{not json`, base.Add(time.Minute))

	// Wrong layout: not under tasks/<project>/completions.
	stray := filepath.Join(root, ".nexus", "completions")
	if err := os.MkdirAll(stray, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stray, SummaryFileName("77")), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Scan(root, ".nexus", nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	var ids []string
	for _, d := range got {
		ids = append(ids, d.WorkItemID)
	}
	if len(ids) != 3 || ids[0] != "5" || ids[1] != "9" || ids[2] != "10" {
		t.Fatalf("work items = %v, want [5 9 10]", ids)
	}
	if got[0].Summary.AgentRole != "old" {
		t.Errorf("work item 5 role = %q, want fallback to older valid file", got[0].Summary.AgentRole)
	}
	if key := got[2].DedupKey(); key != "10:dev:completion_summary_10.json" {
		t.Errorf("DedupKey = %q", key)
	}
}

func TestScanNewestWins(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeSummary(t, filepath.Join(root, "a"), "p", "1", `{"agent_type":"first"}`, now.Add(-time.Hour))
	writeSummary(t, filepath.Join(root, "b"), "p", "1", `{"agent_type":"second"}`, now)

	got, err := Scan(root, ".nexus", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Summary.AgentRole != "second" {
		t.Errorf("Scan = %+v, want newest (second)", got)
	}
}

func TestScanMissingRoot(t *testing.T) {
	got, err := Scan(filepath.Join(t.TempDir(), "nope"), ".nexus", nil)
	if err != nil || len(got) != 0 {
		t.Errorf("Scan(missing) = %v, %v; want empty, nil", got, err)
	}
}

func TestProjectFromLocation(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/w/repo/.nexus/tasks/proj/completions/completion_summary_1.json", "proj"},
		{"/w/repo/.nexus/tasks/proj/logs/claude_1_20240101_000000.log", "proj"},
		{"/w/repo/.nexus/completions/completion_summary_1.json", ""},
		{"/w/repo/other/tasks/proj/completions/x.json", ""},
	}
	for _, tt := range tests {
		if got := ProjectFromLocation(tt.path, ".nexus"); got != tt.want {
			t.Errorf("ProjectFromLocation(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLessWorkItem(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"9", "10", true},
		{"10", "9", false},
		{"10", "abc", true},
		{"PROJ-2", "PROJ-10", false},
		{"a", "b", true},
	}
	for _, tt := range tests {
		if got := LessWorkItem(tt.a, tt.b); got != tt.want {
			t.Errorf("LessWorkItem(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
