package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/logging"
)

// Backend names accepted by NewStore.
const (
	BackendFilesystem = "filesystem"
	BackendSQLite     = "sqlite"
)

// DefaultProject is used when a saved payload names no project.
const DefaultProject = "default"

// DBLocationPrefix prefixes the Location of completions read from a database.
const DBLocationPrefix = "db://"

// Record is a completion row as persisted by a database backend.
type Record struct {
	ID         string
	WorkItemID string
	AgentRole  string
	DedupKey   string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Repository persists completion records. ListLatest returns the newest
// record per work item, optionally restricted to one work item.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	ListLatest(ctx context.Context, workItemID string) ([]Record, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Backend  string
	BaseDir  string
	NexusDir string
	Logger   *logging.Logger
}

// Store routes completion persistence and scanning to the configured
// backend.
type Store struct {
	backend  string
	baseDir  string
	nexusDir string
	repo     Repository
	logger   *logging.Logger
	now      func() time.Time
}

// NewStore creates a Store. repo is required for the sqlite backend and
// ignored otherwise.
func NewStore(cfg StoreConfig, repo Repository) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	nexusDir := cfg.NexusDir
	if nexusDir == "" {
		nexusDir = ".nexus"
	}
	s := &Store{
		backend:  cfg.Backend,
		baseDir:  cfg.BaseDir,
		nexusDir: nexusDir,
		repo:     repo,
		logger:   logger.WithComponent("completion-store"),
		now:      time.Now,
	}
	switch cfg.Backend {
	case BackendFilesystem:
	case BackendSQLite:
		if repo == nil {
			return nil, fmt.Errorf("completion store: sqlite backend requires a repository")
		}
	default:
		return nil, fmt.Errorf("completion store %q: %w", cfg.Backend, errors.ErrUnknownBackend)
	}
	return s, nil
}

// Backend returns the configured backend name.
func (s *Store) Backend() string { return s.backend }

// Save persists a completion payload for (workItemID, role) and returns its
// dedup key. The key carries the role as a scan will read it back from the
// payload, so it matches the key the orchestrator marks. role fills in
// agent_type only when the payload has none.
func (s *Store) Save(ctx context.Context, workItemID, role string, payload map[string]any) (string, error) {
	if !validPathSegment(workItemID) {
		return "", fmt.Errorf("save completion %q: %w", workItemID, errors.ErrInvalidWorkItem)
	}
	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	if _, ok := data["agent_type"]; !ok {
		if r := strings.TrimSpace(role); r != "" {
			data["agent_type"] = r
		}
	}
	role = FromMap(data).AgentRole

	if s.backend == BackendSQLite {
		return s.saveToRepository(ctx, workItemID, role, data)
	}
	return s.saveToFilesystem(workItemID, role, data)
}

// validPathSegment reports whether id can name a single file or directory
// without escaping its parent.
func validPathSegment(id string) bool {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

func (s *Store) saveToFilesystem(workItemID, role string, data map[string]any) (string, error) {
	project, _ := data["_project"].(string)
	if project == "" {
		project = DefaultProject
	}
	if !validPathSegment(project) {
		return "", fmt.Errorf("save completion: invalid project %q", project)
	}
	dir := filepath.Join(s.baseDir, s.nexusDir, "tasks", project, "completions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.NewStoreError("save", BackendFilesystem, err).WithPath(dir)
	}
	path := filepath.Join(dir, SummaryFileName(workItemID))

	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode completion: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", errors.NewStoreError("save", BackendFilesystem, err).WithPath(path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", errors.NewStoreError("save", BackendFilesystem, err).WithPath(path)
	}

	key := fmt.Sprintf("%s:%s:%s", workItemID, role, filepath.Base(path))
	s.logger.Info("saved completion", "work_item", workItemID, "agent_role", role, "path", path)
	return key, nil
}

func (s *Store) saveToRepository(ctx context.Context, workItemID, role string, data map[string]any) (string, error) {
	rec := &Record{
		WorkItemID: workItemID,
		AgentRole:  role,
		Payload:    data,
		CreatedAt:  s.now(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return "", errors.NewStoreError("save", BackendSQLite, err)
	}
	s.logger.Info("saved completion", "work_item", workItemID, "agent_role", role, "id", rec.ID)
	return rec.DedupKey, nil
}

// Scan returns the latest completion per work item. An empty workItemID
// means every work item.
func (s *Store) Scan(ctx context.Context, workItemID string) ([]Detected, error) {
	if s.backend == BackendSQLite {
		return s.scanRepository(ctx, workItemID)
	}

	all, err := Scan(s.baseDir, s.nexusDir, s.logger)
	if err != nil {
		return nil, err
	}
	if workItemID == "" {
		return all, nil
	}
	var out []Detected
	for _, d := range all {
		if d.WorkItemID == workItemID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) scanRepository(ctx context.Context, workItemID string) ([]Detected, error) {
	rows, err := s.repo.ListLatest(ctx, workItemID)
	if err != nil {
		return nil, errors.NewStoreError("scan", BackendSQLite, err)
	}
	out := make([]Detected, 0, len(rows))
	for _, row := range rows {
		out = append(out, Detected{
			Location:   DBLocationPrefix + row.ID,
			WorkItemID: row.WorkItemID,
			Summary:    FromMap(row.Payload),
			ModTime:    row.CreatedAt,
		})
	}
	SortByWorkItem(out)
	return out, nil
}
