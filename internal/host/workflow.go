package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

// Workflow is the control record the supervisor keeps per work item.
type Workflow struct {
	WorkItemID    string                     `json:"work_item_id"`
	State         orchestrator.WorkflowState `json:"state"`
	ExpectedAgent string                     `json:"expected_agent,omitempty"`
	Project       string                     `json:"project,omitempty"`
	Reason        string                     `json:"reason,omitempty"`
	LastEventID   string                     `json:"last_event_id,omitempty"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// WorkflowStore persists workflow control records as one JSON document,
// using the same lock-and-rename discipline as the file tracker.
type WorkflowStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
	now  func() time.Time
}

// NewWorkflowStore returns a WorkflowStore at path.
func NewWorkflowStore(path string) *WorkflowStore {
	return &WorkflowStore{path: path, lock: flock.New(path + ".lock"), now: time.Now}
}

// Path returns the backing file.
func (s *WorkflowStore) Path() string { return s.path }

// Get returns the record for workItemID.
func (s *WorkflowStore) Get(ctx context.Context, workItemID string) (Workflow, bool, error) {
	all, err := s.load(ctx)
	if err != nil {
		return Workflow{}, false, err
	}
	wf, ok := all[workItemID]
	return wf, ok, nil
}

// List returns every record ordered by work item.
func (s *WorkflowStore) List(ctx context.Context) ([]Workflow, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Workflow, 0, len(all))
	for _, wf := range all {
		out = append(out, wf)
	}
	sortWorkflows(out)
	return out, nil
}

// Update applies fn to the record for workItemID, creating an ACTIVE record
// when none exists. Nothing is written when fn returns false.
func (s *WorkflowStore) Update(ctx context.Context, workItemID string, fn func(*Workflow) bool) error {
	if strings.TrimSpace(workItemID) == "" {
		return errors.ErrInvalidWorkItem
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx, true); err != nil {
		return err
	}
	defer s.lock.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	wf, ok := all[workItemID]
	if !ok {
		wf = Workflow{WorkItemID: workItemID, State: orchestrator.StateActive}
	}
	if !fn(&wf) {
		return nil
	}
	wf.UpdatedAt = s.now().UTC()
	all[workItemID] = wf
	return s.write(all)
}

// SetState changes the control state.
func (s *WorkflowStore) SetState(ctx context.Context, workItemID string, state orchestrator.WorkflowState, reason string) error {
	return s.Update(ctx, workItemID, func(wf *Workflow) bool {
		wf.State = state
		wf.Reason = reason
		return true
	})
}

// SetExpected records the agent role the workflow expects to be running.
func (s *WorkflowStore) SetExpected(ctx context.Context, workItemID, role string) error {
	role = strings.TrimSpace(role)
	return s.Update(ctx, workItemID, func(wf *Workflow) bool {
		if wf.ExpectedAgent == role {
			return false
		}
		wf.ExpectedAgent = role
		return true
	})
}

// PauseWorkflow implements retry.Pauser.
func (s *WorkflowStore) PauseWorkflow(ctx context.Context, workItemID, reason string) error {
	return s.SetState(ctx, workItemID, orchestrator.StatePaused, reason)
}

func (s *WorkflowStore) load(ctx context.Context) (map[string]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx, false); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()
	return s.read()
}

func (s *WorkflowStore) acquire(ctx context.Context, exclusive bool) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.NewStoreError("lock", "file", err).WithPath(s.path)
	}
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = s.lock.TryLockContext(ctx, 50*time.Millisecond)
	} else {
		ok, err = s.lock.TryRLockContext(ctx, 50*time.Millisecond)
	}
	if err != nil {
		return errors.NewStoreError("lock", "file", err).WithPath(s.path)
	}
	if !ok {
		return errors.NewStoreError("lock", "file", fmt.Errorf("lock not acquired")).WithPath(s.path)
	}
	return nil
}

func (s *WorkflowStore) read() (map[string]Workflow, error) {
	all := make(map[string]Workflow)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return all, nil
	}
	if err != nil {
		return nil, errors.NewStoreError("load", "file", err).WithPath(s.path)
	}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, errors.NewStoreError("decode", "file", err).WithPath(s.path)
	}
	for id, wf := range all {
		wf.WorkItemID = id
		all[id] = wf
	}
	return all, nil
}

func (s *WorkflowStore) write(all map[string]Workflow) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return errors.NewStoreError("encode", "file", err).WithPath(s.path)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewStoreError("save", "file", err).WithPath(s.path)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.NewStoreError("save", "file", err).WithPath(s.path)
	}
	return nil
}

func sortWorkflows(wfs []Workflow) {
	sort.Slice(wfs, func(i, j int) bool {
		return completion.LessWorkItem(wfs[i].WorkItemID, wfs[j].WorkItemID)
	})
}
