// Package watchdog watches freshly launched agents for quota exhaustion.
//
// One goroutine runs per watched launch. It polls the tracker and the agent's
// log tail until the agent exits, is replaced, or the watch deadline passes.
// When the tail shows the tool is out of quota the agent is terminated and
// the Fallback relaunches the work item without that tool. Watchdogs only
// share state with the poll loop through the persisted tracker.
package watchdog

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/agentwarden/internal/logging"
	"github.com/Iron-Ham/agentwarden/internal/process"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

const (
	// DefaultInterval is the poll interval of a watch.
	DefaultInterval = 2 * time.Second
	// DefaultDeadline bounds how long a launch is watched.
	DefaultDeadline = 5 * time.Minute
	// DefaultTailBytes is how much of the log end is inspected.
	DefaultTailBytes = 12000
)

// Job describes one launched agent to watch.
type Job struct {
	WorkItemID   string
	AgentRole    string
	Tool         string
	PID          int
	LogPath      string
	ExcludeTools []string
}

// Detection is passed to the Fallback when quota exhaustion is found.
type Detection struct {
	Job
	// Reason is "log-loop" while the agent was alive or "post-exit-log"
	// once it had already exited.
	Reason string
	// Terminated reports whether the watchdog killed the agent.
	Terminated bool
}

// Fallback relaunches the work item without the exhausted tool.
type Fallback func(ctx context.Context, d Detection) error

// Manager runs watches. It is safe for concurrent use.
type Manager struct {
	store    tracker.Store
	fallback Fallback
	markers  map[string]Markers

	interval  time.Duration
	deadline  time.Duration
	tailBytes int64
	isAlive   func(pid int) bool
	terminate func(pid int) error
	logger    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.Mutex
	active map[string]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithDeadline overrides DefaultDeadline.
func WithDeadline(d time.Duration) Option {
	return func(m *Manager) { m.deadline = d }
}

// WithMarkers replaces DefaultMarkers.
func WithMarkers(markers map[string]Markers) Option {
	return func(m *Manager) { m.markers = markers }
}

// WithProcessFuncs replaces the liveness probe and terminator, for tests.
func WithProcessFuncs(isAlive func(int) bool, terminate func(int) error) Option {
	return func(m *Manager) {
		m.isAlive = isAlive
		m.terminate = terminate
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.WithComponent("watchdog")
		}
	}
}

// NewManager creates a Manager that reads the tracker from store and calls
// fallback on quota exhaustion.
func NewManager(store tracker.Store, fallback Fallback, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     store,
		fallback:  fallback,
		markers:   DefaultMarkers(),
		interval:  DefaultInterval,
		deadline:  DefaultDeadline,
		tailBytes: DefaultTailBytes,
		isAlive:   process.IsAlive,
		terminate: process.Terminate,
		logger:    logging.NopLogger(),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch starts a watch for job. It returns false when the tool has no marker
// set or a watch for the same work item and PID is already running.
func (m *Manager) Watch(job Job) bool {
	tool := strings.ToLower(strings.TrimSpace(job.Tool))
	markers, ok := m.markers[tool]
	if !ok || job.PID <= 0 || job.LogPath == "" {
		return false
	}
	job.Tool = tool

	m.mu.Lock()
	if pid, running := m.active[job.WorkItemID]; running && pid == job.PID {
		m.mu.Unlock()
		return false
	}
	m.active[job.WorkItemID] = job.PID
	m.mu.Unlock()

	m.wg.Go(func() {
		defer m.done(job)
		var pc panics.Catcher
		pc.Try(func() { m.run(m.ctx, job, markers) })
		if r := pc.Recovered(); r != nil {
			m.logger.WithWorkItem(job.WorkItemID).Error("watchdog panicked", "tool", job.Tool, "panic", r.String())
		}
	})
	return true
}

func (m *Manager) done(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[job.WorkItemID] == job.PID {
		delete(m.active, job.WorkItemID)
	}
}

// Active returns the number of running watches.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until every running watch has finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Stop cancels all watches and waits for them.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, job Job, markers Markers) {
	log := m.logger.WithWorkItem(job.WorkItemID).WithRole(job.AgentRole)
	log.Info("watchdog started", "tool", job.Tool, "pid", job.PID)

	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if !m.stillCurrent(ctx, job) {
			log.Debug("watched agent replaced or untracked", "pid", job.PID)
			return
		}

		if markers.Match(m.tail(job.LogPath)) {
			m.trigger(ctx, job, "log-loop", true)
			return
		}
		if !m.isAlive(job.PID) {
			if markers.Match(m.tail(job.LogPath)) {
				m.trigger(ctx, job, "post-exit-log", false)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// stillCurrent reports whether the tracker still records job's PID and tool.
func (m *Manager) stillCurrent(ctx context.Context, job Job) bool {
	agents, err := m.store.Load(ctx, false)
	if err != nil {
		m.logger.WithWorkItem(job.WorkItemID).Warn("watchdog could not read tracker", "error", err)
		return ctx.Err() == nil
	}
	e := agents[job.WorkItemID]
	return e != nil && e.PID == job.PID && strings.EqualFold(e.Tool, job.Tool)
}

func (m *Manager) trigger(ctx context.Context, job Job, reason string, terminate bool) {
	log := m.logger.WithWorkItem(job.WorkItemID).WithRole(job.AgentRole)
	log.Warn("quota exhaustion detected", "tool", job.Tool, "pid", job.PID, "reason", reason)

	terminated := false
	if terminate && m.isAlive(job.PID) {
		if err := m.terminate(job.PID); err != nil {
			log.Warn("failed to terminate exhausted agent", "pid", job.PID, "error", err)
		} else {
			terminated = true
		}
	}

	if m.fallback == nil {
		return
	}
	d := Detection{Job: job, Reason: reason, Terminated: terminated}
	if err := m.fallback(ctx, d); err != nil {
		log.Error("quota fallback failed", "tool", job.Tool, "error", err)
	}
}

// tail returns up to tailBytes from the end of path.
func (m *Manager) tail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - m.tailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}

// MergeExclusions returns excluded plus tool, deduplicated and lower-cased.
func MergeExclusions(excluded []string, tool string) []string {
	seen := make(map[string]bool, len(excluded)+1)
	out := make([]string, 0, len(excluded)+1)
	for _, t := range append(append([]string(nil), excluded...), tool) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
