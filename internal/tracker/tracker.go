// Package tracker persists the launched-agents map: one entry per work item
// recording the live agent process and the retry-fuse bookkeeping for that
// work item.
//
// The tracker has no in-memory owner. Every mutation reloads the full map,
// changes one key and saves the result, so independent writers (the poll
// loop, watchdogs, the CLI) never clobber each other's keys. Use [Update]
// for that cycle.
package tracker

import (
	"context"
	"math"
	"slices"
	"time"
)

// FuseState is the retry-fuse window for one work item.
type FuseState struct {
	AgentRole   string  `json:"agent"`
	WindowStart float64 `json:"window_start"`
	Attempts    int     `json:"attempts"`
	Tripped     bool    `json:"tripped"`
	HardTripped bool    `json:"hard_tripped"`
	TrippedAt   float64 `json:"tripped_at,omitempty"`
	Alerted     bool    `json:"alerted"`
}

// Entry is the tracker record for one work item. Timestamps are unix seconds
// so the file stays readable by other tooling.
type Entry struct {
	PID           int        `json:"pid,omitempty"`
	LaunchedAt    float64    `json:"timestamp,omitempty"`
	AgentRole     string     `json:"agent_type,omitempty"`
	Tool          string     `json:"tool,omitempty"`
	ExcludeTools  []string   `json:"exclude_tools,omitempty"`
	RetryFuse     *FuseState `json:"retry_fuse,omitempty"`
	FuseTripTimes []float64  `json:"retry_fuse_trip_times,omitempty"`
}

// HasProcess reports whether the entry records a launched process.
func (e *Entry) HasProcess() bool {
	return e != nil && e.PID > 0
}

// LaunchTime returns LaunchedAt as a time.Time (zero if unset).
func (e *Entry) LaunchTime() time.Time {
	if e == nil || e.LaunchedAt <= 0 {
		return time.Time{}
	}
	return FromUnix(e.LaunchedAt)
}

// hasFuse reports whether the entry carries retry-fuse bookkeeping.
func (e *Entry) hasFuse() bool {
	return e.RetryFuse != nil || len(e.FuseTripTimes) > 0
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.ExcludeTools = slices.Clone(e.ExcludeTools)
	c.FuseTripTimes = slices.Clone(e.FuseTripTimes)
	if e.RetryFuse != nil {
		f := *e.RetryFuse
		c.RetryFuse = &f
	}
	return &c
}

// Agents maps work item id to its tracker entry.
type Agents map[string]*Entry

// Clone returns a deep copy of the map.
func (a Agents) Clone() Agents {
	out := make(Agents, len(a))
	for k, v := range a {
		out[k] = v.Clone()
	}
	return out
}

// Entry returns the entry for workItemID, creating an empty one if needed.
func (a Agents) Entry(workItemID string) *Entry {
	e, ok := a[workItemID]
	if !ok || e == nil {
		e = &Entry{}
		a[workItemID] = e
	}
	return e
}

// Purge forgets the process recorded for workItemID. Retry-fuse bookkeeping
// survives so the fuse keeps counting across relaunches; an entry with no
// fuse data is removed outright. Reports whether anything changed.
func (a Agents) Purge(workItemID string) bool {
	e, ok := a[workItemID]
	if !ok {
		return false
	}
	if e == nil || !e.hasFuse() {
		delete(a, workItemID)
		return true
	}
	e.PID = 0
	e.LaunchedAt = 0
	e.AgentRole = ""
	e.Tool = ""
	e.ExcludeTools = nil
	return true
}

// Store loads and saves the full tracker map.
type Store interface {
	// Load returns the tracker. With recentOnly, entries launched outside the
	// store's recent window (and entries without a launch) are omitted.
	Load(ctx context.Context, recentOnly bool) (Agents, error)
	// Save replaces the persisted tracker with agents.
	Save(ctx context.Context, agents Agents) error
}

// Updater is implemented by stores that can run a read-modify-write cycle
// under a single lock or transaction.
type Updater interface {
	Update(ctx context.Context, fn func(Agents) bool) error
}

// Update reloads the full tracker, applies fn and saves the result when fn
// reports a change.
func Update(ctx context.Context, s Store, fn func(Agents) bool) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, fn)
	}
	agents, err := s.Load(ctx, false)
	if err != nil {
		return err
	}
	if agents == nil {
		agents = Agents{}
	}
	if !fn(agents) {
		return nil
	}
	return s.Save(ctx, agents)
}

// FilterRecent returns the entries launched at or after cutoff.
func FilterRecent(agents Agents, cutoff time.Time) Agents {
	out := make(Agents, len(agents))
	for k, e := range agents {
		if e == nil || e.LaunchedAt <= 0 {
			continue
		}
		if !e.LaunchTime().Before(cutoff) {
			out[k] = e
		}
	}
	return out
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnix converts fractional unix seconds to a time.Time.
func FromUnix(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}
