package tracker

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Loads and saves deep-copy, so callers
// observe the same reload semantics as with a persistent store.
type MemoryStore struct {
	mu     sync.Mutex
	agents Agents

	// RecentWindow bounds Load's recentOnly view (default 2h).
	RecentWindow time.Duration
	// Now is the clock used for recentOnly filtering.
	Now func() time.Time
	// LoadErr and SaveErr, when set, are returned instead of touching state.
	LoadErr error
	SaveErr error

	saves int
}

// NewMemoryStore returns a MemoryStore seeded with a copy of initial.
func NewMemoryStore(initial Agents) *MemoryStore {
	return &MemoryStore{agents: initial.Clone(), RecentWindow: 2 * time.Hour, Now: time.Now}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, recentOnly bool) (Agents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	out := m.agents.Clone()
	if recentOnly {
		out = FilterRecent(out, m.Now().Add(-m.RecentWindow))
	}
	return out, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, agents Agents) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.agents = agents.Clone()
	m.saves++
	return nil
}

// Snapshot returns a copy of the current state.
func (m *MemoryStore) Snapshot() Agents {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents.Clone()
}

// Saves returns how many successful saves have happened.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
