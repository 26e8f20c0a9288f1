package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
)

func newTestWorkflows(t *testing.T) *WorkflowStore {
	t.Helper()
	return NewWorkflowStore(filepath.Join(t.TempDir(), "workflows.json"))
}

func TestWorkflowStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkflows(t)

	if _, ok, err := s.Get(ctx, "1"); err != nil || ok {
		t.Fatalf("Get on empty store = %v, %v; want missing", ok, err)
	}

	if err := s.SetExpected(ctx, "1", "developer"); err != nil {
		t.Fatal(err)
	}
	wf, ok, err := s.Get(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if wf.State != orchestrator.StateActive || wf.ExpectedAgent != "developer" {
		t.Errorf("workflow = %+v, want ACTIVE/developer", wf)
	}
	if wf.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}

	if err := s.PauseWorkflow(ctx, "1", "fuse hard trip"); err != nil {
		t.Fatal(err)
	}
	wf, _, _ = s.Get(ctx, "1")
	if wf.State != orchestrator.StatePaused || wf.Reason != "fuse hard trip" {
		t.Errorf("after pause = %+v", wf)
	}
	if wf.ExpectedAgent != "developer" {
		t.Errorf("pause dropped expected agent: %+v", wf)
	}
}

func TestWorkflowStoreList(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkflows(t)
	for _, id := range []string{"10", "9", "abc"} {
		if err := s.SetState(ctx, id, orchestrator.StateActive, ""); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, wf := range got {
		ids = append(ids, wf.WorkItemID)
	}
	want := []string{"9", "10", "abc"}
	if len(ids) != len(want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List = %v, want %v", ids, want)
			break
		}
	}
}

func TestWorkflowStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkflows(t)

	if err := s.SetState(ctx, " ", orchestrator.StateActive, ""); !errors.Is(err, errors.ErrInvalidWorkItem) {
		t.Errorf("SetState(empty) error = %v, want ErrInvalidWorkItem", err)
	}

	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "1"); !errors.IsStoreFault(err) {
		t.Errorf("Get on corrupt file error = %v, want store fault", err)
	}
}
