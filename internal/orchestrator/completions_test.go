package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	agenterrors "github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

type deciderFunc func(ctx context.Context, w, role string, outputs map[string]any, eventID string) (*StepOutcome, error)

func (f deciderFunc) CompleteStep(ctx context.Context, w, role string, outputs map[string]any, eventID string) (*StepOutcome, error) {
	return f(ctx, w, role, outputs, eventID)
}

type failingSource struct{ err error }

func (s failingSource) Scan(context.Context, string) ([]completion.Detected, error) {
	return nil, s.err
}

func newFilesystemStore(t *testing.T) (*completion.Store, string) {
	t.Helper()
	base := t.TempDir()
	store, err := completion.NewStore(completion.StoreConfig{
		Backend:  completion.BackendFilesystem,
		BaseDir:  base,
		NexusDir: ".nexus",
	}, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store, base
}

func saveCompletion(t *testing.T, store *completion.Store, w, role string, payload map[string]any) string {
	t.Helper()
	key, err := store.Save(context.Background(), w, role, payload)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return key
}

func TestScanChainsNextAgentOnManualPath(t *testing.T) {
	ctx := context.Background()
	store, _ := newFilesystemStore(t)
	key := saveCompletion(t, store, "42", "developer", map[string]any{
		"status":     "complete",
		"summary":    "Implemented the change",
		"next_agent": "reviewer",
	})

	rt := newFakeRuntime(nil)
	rec := newCountingRecorder()
	o := New(rt, nil, store, WithRecorder(rec))
	seen := NewDedupSet()

	if err := o.ScanAndProcessCompletions(ctx, seen); err != nil {
		t.Fatalf("ScanAndProcessCompletions failed: %v", err)
	}

	if len(rt.launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(rt.launches))
	}
	got := rt.launches[0]
	if got.WorkItemID != "42" || got.AgentRole != "reviewer" || got.Trigger != TriggerCompletionScan {
		t.Errorf("launch = %+v, want 42/reviewer/completion-scan", got)
	}
	if len(rt.comments) != 1 || !strings.Contains(rt.comments[0], "Agent Completed") {
		t.Errorf("comments = %q", rt.comments)
	}
	if !seen.Has(key) {
		t.Errorf("dedup key %q not marked", key)
	}
	if rec.outcomes[OutcomeChained] != 1 {
		t.Errorf("chained outcomes = %d, want 1", rec.outcomes[OutcomeChained])
	}

	if err := o.ScanAndProcessCompletions(ctx, seen); err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if len(rt.launches) != 1 {
		t.Errorf("completion reprocessed: %d launches", len(rt.launches))
	}
	if len(rt.comments) != 1 {
		t.Errorf("comment reposted: %d comments", len(rt.comments))
	}
}

func TestScanCommentFailureBlocksChain(t *testing.T) {
	ctx := context.Background()
	store, _ := newFilesystemStore(t)
	key := saveCompletion(t, store, "5", "developer", map[string]any{"next_agent": "qa"})

	rt := newFakeRuntime(nil)
	rt.commentFails = true
	o := New(rt, nil, store)
	seen := NewDedupSet()

	for range 2 {
		if err := o.ScanAndProcessCompletions(ctx, seen); err != nil {
			t.Fatal(err)
		}
	}
	if seen.Has(key) {
		t.Error("completion marked seen although the comment failed")
	}
	if len(rt.launches) != 0 {
		t.Errorf("launched %d agents despite failed comment", len(rt.launches))
	}
	if len(rt.alerts) != 1 || !strings.Contains(rt.alerts[0], "auto-chain blocked") {
		t.Errorf("alerts = %q, want a single blocked alert", rt.alerts)
	}
	if len(rt.comments) != 2 {
		t.Errorf("comment attempts = %d, want 2", len(rt.comments))
	}

	rt.commentFails = false
	if err := o.ScanAndProcessCompletions(ctx, seen); err != nil {
		t.Fatal(err)
	}
	if !seen.Has(key) || len(rt.launches) != 1 {
		t.Errorf("completion not processed after comment recovered: seen=%v launches=%d", seen.Has(key), len(rt.launches))
	}
}

func TestScanCommentFailureNotRequired(t *testing.T) {
	store, _ := newFilesystemStore(t)
	saveCompletion(t, store, "5", "developer", map[string]any{"next_agent": "qa"})

	rt := newFakeRuntime(nil)
	rt.commentFails = true
	cfg := DefaultConfig()
	cfg.RequireCompletionComment = false
	o := New(rt, nil, store, WithConfig(cfg))

	if err := o.ScanAndProcessCompletions(context.Background(), NewDedupSet()); err != nil {
		t.Fatal(err)
	}
	if len(rt.launches) != 1 {
		t.Errorf("launches = %d, want 1", len(rt.launches))
	}
}

func TestScanTerminalNextAgentFinalizes(t *testing.T) {
	for _, next := range []string{"none", " DONE ", "", "complete", "n/a"} {
		t.Run(fmt.Sprintf("next=%q", next), func(t *testing.T) {
			store, _ := newFilesystemStore(t)
			saveCompletion(t, store, "8", "reviewer", map[string]any{"next_agent": next})

			rt := newFakeRuntime(tracker.Agents{
				"8": {PID: 10, LaunchedAt: 1, AgentRole: "reviewer"},
				"9": {PID: 11, LaunchedAt: 1, AgentRole: "developer"},
			})
			o := New(rt, nil, store)

			if err := o.ScanAndProcessCompletions(context.Background(), NewDedupSet()); err != nil {
				t.Fatal(err)
			}
			if len(rt.finalized) != 1 || rt.finalized[0] != "8" {
				t.Errorf("finalized = %v, want [8]", rt.finalized)
			}
			if len(rt.launches) != 0 {
				t.Errorf("launched %d agents for a finished workflow", len(rt.launches))
			}
			snap := rt.store.Snapshot()
			if _, ok := snap["8"]; ok {
				t.Error("tracker entry for finished work item should be removed")
			}
			if _, ok := snap["9"]; !ok {
				t.Error("unrelated tracker entry removed")
			}
		})
	}
}

func TestScanDeciderRoutes(t *testing.T) {
	tests := []struct {
		name         string
		outcome      *StepOutcome
		wantLaunch   string
		wantFinalize bool
	}{
		{"routes to engine agent", &StepOutcome{State: StateActive, NextAgent: "qa"}, "qa", false},
		{"completed workflow", &StepOutcome{State: StateCompleted}, "", true},
		{"failed workflow", &StepOutcome{State: StateFailed, NextAgent: "qa"}, "", true},
		{"no next agent", &StepOutcome{State: StateActive}, "", true},
		{"unmapped falls back to summary", nil, "reviewer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newFilesystemStore(t)
			key := saveCompletion(t, store, "3", "developer", map[string]any{"next_agent": "reviewer"})

			var gotEvent string
			var gotOutputs map[string]any
			decider := deciderFunc(func(_ context.Context, _, _ string, outputs map[string]any, eventID string) (*StepOutcome, error) {
				gotEvent = eventID
				gotOutputs = outputs
				return tt.outcome, nil
			})
			rt := newFakeRuntime(nil)
			o := New(rt, decider, store)

			if err := o.ScanAndProcessCompletions(context.Background(), NewDedupSet()); err != nil {
				t.Fatal(err)
			}
			if gotEvent != key {
				t.Errorf("event id = %q, want dedup key %q", gotEvent, key)
			}
			if gotOutputs["next_agent"] != "reviewer" {
				t.Errorf("outputs = %v", gotOutputs)
			}
			if tt.wantLaunch != "" {
				if len(rt.launches) != 1 || rt.launches[0].AgentRole != tt.wantLaunch {
					t.Errorf("launches = %+v, want %s", rt.launches, tt.wantLaunch)
				}
			} else if len(rt.launches) != 0 {
				t.Errorf("unexpected launches %+v", rt.launches)
			}
			if got := len(rt.finalized) == 1; got != tt.wantFinalize {
				t.Errorf("finalized = %v, want %v", rt.finalized, tt.wantFinalize)
			}
		})
	}
}

func TestScanDeciderErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantSeen bool
	}{
		{"mismatch is skipped for good", fmt.Errorf("step is qa: %w", agenterrors.ErrCompletionMismatch), true},
		{"transient error is retried", errors.New("engine unavailable"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newFilesystemStore(t)
			key := saveCompletion(t, store, "4", "developer", map[string]any{"next_agent": "qa"})
			decider := deciderFunc(func(context.Context, string, string, map[string]any, string) (*StepOutcome, error) {
				return nil, tt.err
			})
			rt := newFakeRuntime(nil)
			seen := NewDedupSet()
			o := New(rt, decider, store)

			if err := o.ScanAndProcessCompletions(context.Background(), seen); err != nil {
				t.Fatalf("decider errors should not abort the batch: %v", err)
			}
			if seen.Has(key) != tt.wantSeen {
				t.Errorf("seen = %v, want %v", seen.Has(key), tt.wantSeen)
			}
			if len(rt.launches) != 0 {
				t.Errorf("unexpected launches %+v", rt.launches)
			}
		})
	}
}

func TestScanDefersWhileProcessRunning(t *testing.T) {
	store, _ := newFilesystemStore(t)
	key := saveCompletion(t, store, "6", "developer", map[string]any{"next_agent": "qa"})

	rt := newFakeRuntime(nil)
	rt.running["6"] = true
	seen := NewDedupSet()
	o := New(rt, nil, store)

	if err := o.ScanAndProcessCompletions(context.Background(), seen); err != nil {
		t.Fatal(err)
	}
	if seen.Has(key) || len(rt.comments) != 0 || len(rt.launches) != 0 {
		t.Errorf("running agent's completion processed: seen=%v comments=%d launches=%d",
			seen.Has(key), len(rt.comments), len(rt.launches))
	}
}

func TestScanLaunchOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		result    *LaunchResult
		err       error
		wantAlert bool
	}{
		{"duplicate suppressed", &LaunchResult{Skipped: SkipDuplicate}, nil, false},
		{"workflow terminal", &LaunchResult{Skipped: SkipWorkflowTerminal}, nil, false},
		{"no pid", &LaunchResult{}, nil, true},
		{"error", nil, errors.New("exec failed"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newFilesystemStore(t)
			saveCompletion(t, store, "2", "developer", map[string]any{"next_agent": "qa"})
			rt := newFakeRuntime(nil)
			rt.launchResult = tt.result
			rt.launchErr = tt.err
			o := New(rt, nil, store)

			if err := o.ScanAndProcessCompletions(context.Background(), NewDedupSet()); err != nil {
				t.Fatal(err)
			}
			failed := false
			for _, a := range rt.alerts {
				if strings.Contains(a, "Auto-chain failed") {
					failed = true
				}
			}
			if failed != tt.wantAlert {
				t.Errorf("failure alert = %v, want %v (alerts %q)", failed, tt.wantAlert, rt.alerts)
			}
		})
	}
}

func TestScanChainingDisabled(t *testing.T) {
	store, _ := newFilesystemStore(t)
	key := saveCompletion(t, store, "2", "developer", map[string]any{"next_agent": "qa"})
	rt := newFakeRuntime(nil)
	cfg := DefaultConfig()
	cfg.ChainingEnabled = false
	seen := NewDedupSet()
	o := New(rt, nil, store, WithConfig(cfg))

	if err := o.ScanAndProcessCompletions(context.Background(), seen); err != nil {
		t.Fatal(err)
	}
	if !seen.Has(key) || len(rt.comments) != 1 || len(rt.launches) != 0 {
		t.Errorf("seen=%v comments=%d launches=%d", seen.Has(key), len(rt.comments), len(rt.launches))
	}
}

func TestScanStaleReplayGuard(t *testing.T) {
	tests := []struct {
		name       string
		expected   string
		wantLaunch bool
	}{
		{"workflow moved on", "qa", false},
		{"no workflow expectation", "", false},
		{"workflow still expects role", "@Developer", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, base := newFilesystemStore(t)
			key := saveCompletion(t, store, "11", "developer", map[string]any{"next_agent": "reviewer"})
			path := filepath.Join(base, ".nexus", "tasks", completion.DefaultProject, "completions", completion.SummaryFileName("11"))
			old := time.Now().Add(-3 * time.Hour)
			if err := os.Chtimes(path, old, old); err != nil {
				t.Fatal(err)
			}

			rt := newFakeRuntime(nil)
			rt.expected["11"] = tt.expected
			cfg := DefaultConfig()
			cfg.StaleCompletionAge = time.Hour
			seen := NewDedupSet()
			o := New(rt, nil, store, WithConfig(cfg))

			if err := o.ScanAndProcessCompletions(context.Background(), seen); err != nil {
				t.Fatal(err)
			}
			if !seen.Has(key) {
				t.Error("stale completion should always end up seen")
			}
			if got := len(rt.launches) == 1; got != tt.wantLaunch {
				t.Errorf("launched = %v, want %v", got, tt.wantLaunch)
			}
		})
	}
}

func TestScanStoreFaultAborts(t *testing.T) {
	fault := agenterrors.NewStoreError("scan", "filesystem", errors.New("permission denied"))
	o := New(newFakeRuntime(nil), nil, failingSource{err: fault})
	err := o.ScanAndProcessCompletions(context.Background(), NewDedupSet())
	if !agenterrors.IsStoreFault(err) {
		t.Errorf("error = %v, want a store fault", err)
	}
}

func TestScanTrackerFaultOnFinalizeAborts(t *testing.T) {
	store, _ := newFilesystemStore(t)
	saveCompletion(t, store, "1", "developer", map[string]any{"next_agent": "none"})
	saveCompletion(t, store, "2", "developer", map[string]any{"next_agent": "qa"})

	rt := newFakeRuntime(nil)
	rt.store.LoadErr = errors.New("tracker unreadable")
	o := New(rt, nil, store)

	err := o.ScanAndProcessCompletions(context.Background(), NewDedupSet())
	if !agenterrors.IsStoreFault(err) {
		t.Fatalf("error = %v, want a store fault", err)
	}
	if len(rt.finalized) != 0 {
		t.Error("workflow finalized although the tracker could not be cleared")
	}
}

func TestScanRecoversFromPanickingItem(t *testing.T) {
	ctx := context.Background()
	store, _ := newFilesystemStore(t)
	saveCompletion(t, store, "1", "developer", map[string]any{"next_agent": "qa"})
	saveCompletion(t, store, "2", "developer", map[string]any{"next_agent": "qa"})

	decider := deciderFunc(func(_ context.Context, w, _ string, _ map[string]any, _ string) (*StepOutcome, error) {
		if w == "1" {
			panic("decider exploded")
		}
		return nil, nil
	})
	rt := newFakeRuntime(nil)
	o := New(rt, decider, store)

	if err := o.ScanAndProcessCompletions(ctx, NewDedupSet()); err != nil {
		t.Fatalf("ScanAndProcessCompletions error = %v, want nil", err)
	}
	if len(rt.launches) != 1 || rt.launches[0].WorkItemID != "2" {
		t.Errorf("launches = %+v, want one launch for work item 2", rt.launches)
	}
}

func TestDedupSet(t *testing.T) {
	s := NewDedupSet()
	s.Mark("a")
	if !s.Has("a") || s.Has("b") {
		t.Error("Mark/Has mismatch")
	}
	s.Unmark("a")
	if s.Has("a") {
		t.Error("Unmark did not forget key")
	}
}
