package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

const copilotQuotaLog = `Working on issue...
Error: 429 Too Many Requests
Total session time: 2m 3s
Total usage est: 1 premium request
`

type fakeProcs struct {
	mu         sync.Mutex
	alive      map[int]bool
	terminated []int
}

func (p *fakeProcs) isAlive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProcs) terminate(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, pid)
	p.alive[pid] = false
	return nil
}

type fallbackRecorder struct {
	mu    sync.Mutex
	calls []Detection
}

func (r *fallbackRecorder) fallback(_ context.Context, d Detection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	return nil
}

func writeLog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "copilot_42_20260314_120000.log")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestManager(store tracker.Store, procs *fakeProcs, rec *fallbackRecorder, deadline time.Duration) *Manager {
	return NewManager(store, rec.fallback,
		WithInterval(5*time.Millisecond),
		WithDeadline(deadline),
		WithProcessFuncs(procs.isAlive, procs.terminate),
	)
}

func TestMarkersMatch(t *testing.T) {
	markers := DefaultMarkers()
	tests := []struct {
		tool string
		text string
		want bool
	}{
		{"copilot", copilotQuotaLog, true},
		{"copilot", "Error: 429 Too Many Requests", false},
		{"copilot", "Total session time: 1m", false},
		{"gemini", "RetryableQuotaError: You have exhausted your capacity\nRetrying after 30s", true},
		{"gemini", "Retrying after 30s", false},
		{"codex", "insufficient_quota, will retry", true},
		{"claude", "Claude usage limit reached. Your limit will reset at 5pm", true},
		{"claude", "", false},
	}
	for _, tt := range tests {
		if got := markers[tt.tool].Match(tt.text); got != tt.want {
			t.Errorf("%s.Match(%q) = %v, want %v", tt.tool, tt.text, got, tt.want)
		}
	}
}

func TestWatchTerminatesAndFallsBack(t *testing.T) {
	store := tracker.NewMemoryStore(tracker.Agents{
		"42": {PID: 700, Tool: "copilot", AgentRole: "developer", LaunchedAt: 1},
	})
	procs := &fakeProcs{alive: map[int]bool{700: true}}
	rec := &fallbackRecorder{}
	m := newTestManager(store, procs, rec, time.Second)

	ok := m.Watch(Job{WorkItemID: "42", AgentRole: "developer", Tool: "Copilot", PID: 700, LogPath: writeLog(t, copilotQuotaLog)})
	if !ok {
		t.Fatal("Watch returned false")
	}
	m.Wait()

	if !slices.Equal(procs.terminated, []int{700}) {
		t.Errorf("terminated = %v, want [700]", procs.terminated)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("fallback calls = %d, want 1", len(rec.calls))
	}
	got := rec.calls[0]
	if got.Reason != "log-loop" || !got.Terminated || got.Tool != "copilot" {
		t.Errorf("detection = %+v", got)
	}
	if m.Active() != 0 {
		t.Errorf("Active = %d after Wait, want 0", m.Active())
	}
}

func TestWatchPostExitDetection(t *testing.T) {
	store := tracker.NewMemoryStore(tracker.Agents{
		"42": {PID: 700, Tool: "copilot", LaunchedAt: 1},
	})
	procs := &fakeProcs{alive: map[int]bool{}}
	rec := &fallbackRecorder{}
	m := newTestManager(store, procs, rec, time.Second)

	m.Watch(Job{WorkItemID: "42", Tool: "copilot", PID: 700, LogPath: writeLog(t, copilotQuotaLog)})
	m.Wait()

	if len(rec.calls) != 1 {
		t.Fatalf("fallback calls = %d, want 1", len(rec.calls))
	}
	if rec.calls[0].Terminated || len(procs.terminated) != 0 {
		t.Errorf("exited agent terminated: %+v", rec.calls[0])
	}
}

func TestWatchStopsWithoutFallback(t *testing.T) {
	tests := []struct {
		name  string
		entry *tracker.Entry
		alive bool
		log   string
	}{
		{"replaced by another pid", &tracker.Entry{PID: 701, Tool: "copilot", LaunchedAt: 1}, true, copilotQuotaLog},
		{"replaced by another tool", &tracker.Entry{PID: 700, Tool: "gemini", LaunchedAt: 1}, true, copilotQuotaLog},
		{"exited cleanly", &tracker.Entry{PID: 700, Tool: "copilot", LaunchedAt: 1}, false, "done\n"},
		{"deadline while healthy", &tracker.Entry{PID: 700, Tool: "copilot", LaunchedAt: 1}, true, "working\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tracker.NewMemoryStore(tracker.Agents{"42": tt.entry})
			procs := &fakeProcs{alive: map[int]bool{700: tt.alive}}
			rec := &fallbackRecorder{}
			m := newTestManager(store, procs, rec, 50*time.Millisecond)

			m.Watch(Job{WorkItemID: "42", Tool: "copilot", PID: 700, LogPath: writeLog(t, tt.log)})
			m.Wait()

			if len(rec.calls) != 0 || len(procs.terminated) != 0 {
				t.Errorf("fallback=%d terminated=%v, want none", len(rec.calls), procs.terminated)
			}
		})
	}
}

func TestWatchRejects(t *testing.T) {
	store := tracker.NewMemoryStore(nil)
	procs := &fakeProcs{alive: map[int]bool{700: true}}
	m := newTestManager(store, procs, &fallbackRecorder{}, time.Second)
	defer m.Stop()

	tests := []struct {
		name string
		job  Job
	}{
		{"unknown tool", Job{WorkItemID: "1", Tool: "aider", PID: 700, LogPath: "x.log"}},
		{"no pid", Job{WorkItemID: "1", Tool: "copilot", LogPath: "x.log"}},
		{"no log", Job{WorkItemID: "1", Tool: "copilot", PID: 700}},
	}
	for _, tt := range tests {
		if m.Watch(tt.job) {
			t.Errorf("%s: Watch = true, want false", tt.name)
		}
	}
}

func TestStopCancelsWatches(t *testing.T) {
	store := tracker.NewMemoryStore(tracker.Agents{
		"42": {PID: 700, Tool: "copilot", LaunchedAt: 1},
	})
	procs := &fakeProcs{alive: map[int]bool{700: true}}
	m := newTestManager(store, procs, &fallbackRecorder{}, time.Hour)

	m.Watch(Job{WorkItemID: "42", Tool: "copilot", PID: 700, LogPath: writeLog(t, "working\n")})

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestMergeExclusions(t *testing.T) {
	got := MergeExclusions([]string{"Gemini", "copilot", ""}, "COPILOT")
	if want := []string{"gemini", "copilot"}; !slices.Equal(got, want) {
		t.Errorf("MergeExclusions = %v, want %v", got, want)
	}
}
