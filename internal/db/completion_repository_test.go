package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

func TestCompletionRepositoryInsertAndListLatest(t *testing.T) {
	ctx := context.Background()
	repo := NewCompletionRepository(newTestDB(t))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inserts := []completion.Record{
		{WorkItemID: "7", Payload: map[string]any{"agent_type": "developer", "summary": "first"}, CreatedAt: base},
		{WorkItemID: "7", Payload: map[string]any{"agent_type": "reviewer", "summary": "second"}, CreatedAt: base.Add(time.Minute)},
		{WorkItemID: "12", Payload: map[string]any{"agent_type": "developer", "summary": "other"}, CreatedAt: base},
	}
	for i := range inserts {
		rec := inserts[i]
		if err := repo.Insert(ctx, &rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("Insert should assign an id")
		}
		wantRole := rec.Payload["agent_type"].(string)
		if rec.AgentRole != wantRole {
			t.Errorf("AgentRole = %q, want %q", rec.AgentRole, wantRole)
		}
		if want := rec.WorkItemID + ":" + wantRole + ":" + rec.ID; rec.DedupKey != want {
			t.Errorf("DedupKey = %q, want %q", rec.DedupKey, want)
		}
	}

	all, err := repo.ListLatest(ctx, "")
	if err != nil {
		t.Fatalf("ListLatest failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListLatest returned %d rows, want 2", len(all))
	}

	latest, err := repo.ListLatest(ctx, "7")
	if err != nil {
		t.Fatalf("ListLatest(7) failed: %v", err)
	}
	if len(latest) != 1 || latest[0].AgentRole != "reviewer" {
		t.Fatalf("ListLatest(7) = %+v, want the reviewer completion", latest)
	}
	if latest[0].Payload["summary"] != "second" {
		t.Errorf("payload summary = %v, want second", latest[0].Payload["summary"])
	}
	if !latest[0].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("CreatedAt = %v, want %v", latest[0].CreatedAt, base.Add(time.Minute))
	}

	n, err := repo.Count(ctx, "7")
	if err != nil || n != 2 {
		t.Errorf("Count(7) = %d, %v; want 2, nil", n, err)
	}
}

func TestCompletionStoreOnSQLite(t *testing.T) {
	ctx := context.Background()
	repo := NewCompletionRepository(newTestDB(t))
	store, err := completion.NewStore(completion.StoreConfig{Backend: completion.BackendSQLite}, repo)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	key, err := store.Save(ctx, "42", "developer", map[string]any{"status": "complete", "next_agent": "reviewer"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	found, err := store.Scan(ctx, "42")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Scan returned %d completions, want 1", len(found))
	}
	if !strings.HasPrefix(found[0].Location, completion.DBLocationPrefix) {
		t.Errorf("Location = %q, want db:// prefix", found[0].Location)
	}
	if found[0].DedupKey() != key {
		t.Errorf("scanned dedup key %q, saved key %q", found[0].DedupKey(), key)
	}
	if found[0].Summary.NextAgent != "reviewer" {
		t.Errorf("NextAgent = %q, want reviewer", found[0].Summary.NextAgent)
	}
}

func TestCompletionStoreOnSQLiteNormalisesRole(t *testing.T) {
	ctx := context.Background()
	repo := NewCompletionRepository(newTestDB(t))
	store, err := completion.NewStore(completion.StoreConfig{Backend: completion.BackendSQLite}, repo)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	tests := []struct {
		workItem string
		role     string
		payload  map[string]any
		wantRole string
	}{
		{"1", "", map[string]any{"next_agent": "qa"}, "unknown"},
		{"2", "developer", map[string]any{"agent_type": "Developer "}, "Developer"},
		{"3", " developer", map[string]any{}, "developer"},
	}
	for _, tt := range tests {
		key, err := store.Save(ctx, tt.workItem, tt.role, tt.payload)
		if err != nil {
			t.Fatalf("Save(%s) failed: %v", tt.workItem, err)
		}
		found, err := store.Scan(ctx, tt.workItem)
		if err != nil || len(found) != 1 {
			t.Fatalf("Scan(%s) = %d, %v; want 1 completion", tt.workItem, len(found), err)
		}
		if found[0].DedupKey() != key {
			t.Errorf("Save(%s) key = %q, scanned key %q", tt.workItem, key, found[0].DedupKey())
		}
		rows, err := repo.ListLatest(ctx, tt.workItem)
		if err != nil || len(rows) != 1 {
			t.Fatalf("ListLatest(%s) = %d, %v", tt.workItem, len(rows), err)
		}
		if rows[0].AgentRole != tt.wantRole {
			t.Errorf("row agent_role = %q, want %q", rows[0].AgentRole, tt.wantRole)
		}
	}
}
