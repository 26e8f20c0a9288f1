package retry

import (
	"context"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

// Status is a read-only snapshot of a work item's fuse.
type Status struct {
	WorkItemID        string
	Exists            bool
	AgentRole         string
	Attempts          int
	MaxAttempts       int
	WindowStart       time.Time
	WindowElapsed     time.Duration
	WindowRemaining   time.Duration
	Window            time.Duration
	Tripped           bool
	HardTripped       bool
	TrippedAt         time.Time
	Alerted           bool
	TripsInHardWindow int
	HardTripThreshold int
}

// Status reports the fuse for workItemID without modifying it.
func (f *Fuse) Status(ctx context.Context, workItemID string) (Status, error) {
	st := Status{
		WorkItemID:        workItemID,
		MaxAttempts:       f.limits.MaxAttempts,
		Window:            f.limits.Window,
		HardTripThreshold: f.limits.HardTripThreshold,
	}

	agents, err := f.store.Load(ctx, false)
	if err != nil {
		return st, err
	}
	entry := agents[workItemID]
	if entry == nil {
		return st, nil
	}

	now := f.now()
	st.TripsInHardWindow = len(f.pruneTrips(entry.FuseTripTimes, tracker.UnixSeconds(now)))

	fuse := entry.RetryFuse
	if fuse == nil {
		return st, nil
	}
	st.Exists = true
	st.AgentRole = NormalizeRole(fuse.AgentRole)
	st.Attempts = fuse.Attempts
	st.Tripped = fuse.Tripped
	st.HardTripped = fuse.HardTripped
	st.Alerted = fuse.Alerted
	if fuse.TrippedAt > 0 {
		st.TrippedAt = tracker.FromUnix(fuse.TrippedAt)
	}
	if fuse.WindowStart > 0 {
		st.WindowStart = tracker.FromUnix(fuse.WindowStart)
		st.WindowElapsed = max(0, now.Sub(st.WindowStart))
		st.WindowRemaining = max(0, f.limits.Window-st.WindowElapsed)
	}
	return st, nil
}

// Reset clears the fuse for workItemID so retries start from a fresh budget.
// The tracked process, if any, is kept.
func (f *Fuse) Reset(ctx context.Context, workItemID string) error {
	return tracker.Update(ctx, f.store, func(agents tracker.Agents) bool {
		e, ok := agents[workItemID]
		if !ok {
			return false
		}
		if e == nil || !e.HasProcess() {
			delete(agents, workItemID)
			return true
		}
		e.RetryFuse = nil
		e.FuseTripTimes = nil
		return true
	})
}
