// Package launchguard suppresses duplicate agent launches.
//
// A Guard keeps an in-memory ledger of recent launches keyed by
// "{workItemID}:{role}". A launch is blocked while the previous launch of the
// same pair is inside the cooldown, or while the optional process probe
// reports a matching process already running. The ledger is process-local and
// intentionally lost on restart; the persisted tracker covers restarts.
package launchguard

import (
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/agentwarden/internal/logging"
)

// DefaultCooldown is the minimum interval between launches of the same
// work item and role.
const DefaultCooldown = 5 * time.Minute

// Probe is a secondary check run after the cooldown passes. It returns true
// to allow the launch. An error is logged and treated as allow.
type Probe func(workItemID, role string) (bool, error)

// Record is one ledger entry.
type Record struct {
	WorkItemID string
	AgentRole  string
	LaunchedAt time.Time
	PID        int

	pending bool
}

// Guard is safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	cooldown time.Duration
	probe    Probe
	now      func() time.Time
	logger   *logging.Logger
	launches map[string]Record
}

// Option configures a Guard.
type Option func(*Guard)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(g *Guard) { g.cooldown = d }
}

// WithProbe installs a secondary process probe.
func WithProbe(p Probe) Option {
	return func(g *Guard) { g.probe = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l.WithComponent("launchguard")
		}
	}
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   logging.NopLogger(),
		launches: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func key(workItemID, role string) string {
	return workItemID + ":" + role
}

// CanLaunch reports whether (workItemID, role) may be launched now. It does
// not reserve the pair; launch paths use TryAcquire.
func (g *Guard) CanLaunch(workItemID, role string) bool {
	g.mu.Lock()
	blocked := g.blockedLocked(key(workItemID, role), workItemID, role, g.now())
	probe := g.probe
	g.mu.Unlock()

	if blocked {
		return false
	}
	return g.runProbe(probe, workItemID, role)
}

// TryAcquire checks (workItemID, role) and reserves it under the same lock
// hold, so of two concurrent callers only one gets true. The winner confirms
// the reservation with RecordLaunch once the process started, or drops it
// with Release when the launch failed.
func (g *Guard) TryAcquire(workItemID, role string) bool {
	k := key(workItemID, role)
	g.mu.Lock()
	now := g.now()
	if g.blockedLocked(k, workItemID, role, now) {
		g.mu.Unlock()
		return false
	}
	g.launches[k] = Record{
		WorkItemID: workItemID,
		AgentRole:  role,
		LaunchedAt: now,
		pending:    true,
	}
	probe := g.probe
	g.mu.Unlock()

	if g.runProbe(probe, workItemID, role) {
		return true
	}
	g.Release(workItemID, role)
	return false
}

// Release drops an unconfirmed reservation made by TryAcquire. Confirmed
// launches are left alone.
func (g *Guard) Release(workItemID, role string) {
	k := key(workItemID, role)
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.launches[k]; ok && rec.pending {
		delete(g.launches, k)
	}
}

func (g *Guard) blockedLocked(k, workItemID, role string, now time.Time) bool {
	rec, ok := g.launches[k]
	if !ok {
		return false
	}
	if rec.pending {
		g.logger.Debug("launch blocked, another launch in flight",
			"work_item", workItemID,
			"agent_role", role,
		)
		return true
	}
	if elapsed := now.Sub(rec.LaunchedAt); elapsed < g.cooldown {
		g.logger.Debug("launch blocked by cooldown",
			"work_item", workItemID,
			"agent_role", role,
			"elapsed", elapsed.Round(time.Second).String(),
			"cooldown", g.cooldown.String(),
		)
		return true
	}
	return false
}

// runProbe fails open: a probe error or panic allows the launch.
func (g *Guard) runProbe(probe Probe, workItemID, role string) bool {
	if probe == nil {
		return true
	}
	var (
		allowed bool
		err     error
		pc      panics.Catcher
	)
	pc.Try(func() { allowed, err = probe(workItemID, role) })
	if r := pc.Recovered(); r != nil {
		g.logger.Warn("launch probe panicked, allowing launch",
			"work_item", workItemID,
			"agent_role", role,
			"panic", r.String(),
		)
		return true
	}
	if err != nil {
		g.logger.Warn("launch probe failed, allowing launch",
			"work_item", workItemID,
			"agent_role", role,
			"error", err,
		)
		return true
	}
	if !allowed {
		g.logger.Debug("launch blocked by process probe", "work_item", workItemID, "agent_role", role)
	}
	return allowed
}

// RecordLaunch stamps (workItemID, role) with the current time and confirms
// any reservation held for it.
func (g *Guard) RecordLaunch(workItemID, role string, pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.launches[key(workItemID, role)] = Record{
		WorkItemID: workItemID,
		AgentRole:  role,
		LaunchedAt: g.now(),
		PID:        pid,
	}
}

// Clear removes every record for workItemID (any role) and returns how many
// were removed. Clear("1") never touches records of work item "10".
// Reservations of launches still in flight are kept.
func (g *Guard) Clear(workItemID string) int {
	prefix := workItemID + ":"
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for k, rec := range g.launches {
		if strings.HasPrefix(k, prefix) && !rec.pending {
			delete(g.launches, k)
			n++
		}
	}
	return n
}

// ClearAll empties the ledger.
func (g *Guard) ClearAll() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.launches)
	g.launches = make(map[string]Record)
	return n
}

// CleanupExpired drops records older than the cooldown.
func (g *Guard) CleanupExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for k, rec := range g.launches {
		if now.Sub(rec.LaunchedAt) > g.cooldown {
			delete(g.launches, k)
			n++
		}
	}
	return n
}

// ActiveCount returns the number of records still inside the cooldown.
func (g *Guard) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for _, rec := range g.launches {
		if now.Sub(rec.LaunchedAt) <= g.cooldown {
			n++
		}
	}
	return n
}
