package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Iron-Ham/agentwarden/internal/errors"
)

// FileStore keeps the tracker as a single JSON document. Reads take a shared
// advisory lock on {path}.lock, writes an exclusive one, and the document is
// replaced atomically through a temp file and rename. The file lock guards
// against other processes; mu serialises goroutines sharing the store.
type FileStore struct {
	mu           sync.Mutex
	path         string
	lock         *flock.Flock
	recentWindow time.Duration
	now          func() time.Time
}

// NewFileStore returns a FileStore at path. recentWindow bounds Load's
// recentOnly view.
func NewFileStore(path string, recentWindow time.Duration) *FileStore {
	return &FileStore{
		path:         path,
		lock:         flock.New(path + ".lock"),
		recentWindow: recentWindow,
		now:          time.Now,
	}
}

// Path returns the tracker file path.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, recentOnly bool) (Agents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx, false); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	agents, err := s.read()
	if err != nil {
		return nil, err
	}
	if recentOnly {
		return FilterRecent(agents, s.now().Add(-s.recentWindow)), nil
	}
	return agents, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, agents Agents) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx, true); err != nil {
		return err
	}
	defer s.lock.Unlock()
	return s.write(agents)
}

// Update implements Updater, holding the exclusive lock across the cycle.
func (s *FileStore) Update(ctx context.Context, fn func(Agents) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx, true); err != nil {
		return err
	}
	defer s.lock.Unlock()

	agents, err := s.read()
	if err != nil {
		return err
	}
	if !fn(agents) {
		return nil
	}
	return s.write(agents)
}

func (s *FileStore) acquire(ctx context.Context, exclusive bool) error {
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

func (s *FileStore) read() (Agents, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Agents{}, nil
	}
	if err != nil {
		return nil, errors.NewStoreError("load", "file", err).WithPath(s.path)
	}
	agents := Agents{}
	if len(data) == 0 {
		return agents, nil
	}
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, errors.NewStoreError("decode", "file", err).WithPath(s.path)
	}
	for k, v := range agents {
		if v == nil {
			delete(agents, k)
		}
	}
	return agents, nil
}

func (s *FileStore) write(agents Agents) error {
	if agents == nil {
		agents = Agents{}
	}
	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return errors.NewStoreError("encode", "file", err).WithPath(s.path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.NewStoreError("save", "file", err).WithPath(s.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.NewStoreError("save", "file", err).WithPath(s.path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.NewStoreError("save", "file", err).WithPath(s.path)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.NewStoreError("save", "file", err).WithPath(s.path)
	}
	return nil
}
