package db

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

func TestTrackerRepositorySaveLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewTrackerRepository(newTestDB(t), 2*time.Hour)
	now := time.Unix(1_800_000_000, 0)
	repo.now = func() time.Time { return now }

	agents := tracker.Agents{
		"1": {PID: 100, LaunchedAt: tracker.UnixSeconds(now.Add(-time.Minute)), AgentRole: "developer", Tool: "claude"},
		"2": {PID: 200, LaunchedAt: tracker.UnixSeconds(now.Add(-3 * time.Hour)), AgentRole: "reviewer"},
		"3": {RetryFuse: &tracker.FuseState{AgentRole: "developer", Attempts: 2}},
	}
	if err := repo.Save(ctx, agents); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	all, err := repo.Load(ctx, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Load returned %d entries, want 3", len(all))
	}
	if all["3"].RetryFuse == nil || all["3"].RetryFuse.Attempts != 2 {
		t.Errorf("fuse entry not preserved: %+v", all["3"])
	}

	recent, err := repo.Load(ctx, true)
	if err != nil {
		t.Fatalf("Load(recent) failed: %v", err)
	}
	if len(recent) != 1 || recent["1"] == nil {
		t.Errorf("Load(recent) = %v, want only work item 1", recent)
	}
}

func TestTrackerRepositoryUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewTrackerRepository(newTestDB(t), time.Hour)

	if err := repo.Save(ctx, tracker.Agents{"1": {PID: 10, LaunchedAt: 1}}); err != nil {
		t.Fatal(err)
	}

	err := tracker.Update(ctx, repo, func(a tracker.Agents) bool {
		a.Entry("2").PID = 20
		return true
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err = tracker.Update(ctx, repo, func(a tracker.Agents) bool {
		a.Entry("3").PID = 30
		return false
	})
	if err != nil {
		t.Fatalf("no-op Update failed: %v", err)
	}

	got, err := repo.Load(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if got["1"] == nil || got["1"].PID != 10 {
		t.Errorf("work item 1 lost: %+v", got)
	}
	if got["2"] == nil || got["2"].PID != 20 {
		t.Errorf("work item 2 not written: %+v", got)
	}
	if _, ok := got["3"]; ok {
		t.Error("unchanged update should not be saved")
	}
}
