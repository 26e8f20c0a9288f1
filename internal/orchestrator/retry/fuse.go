// Package retry implements the retry fuse: a bounded retry budget per work
// item and agent role.
//
// The fuse counts retry requests inside a rolling window. Exceeding the
// attempt budget trips the fuse and denies further retries until the window
// expires. Tripping repeatedly inside the longer hard window hard-stops the
// work item and pauses its workflow. Fuse state lives in the launched-agents
// tracker so every writer sees the same budget.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/logging"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

// Limits bounds the retry budget.
type Limits struct {
	// MaxAttempts is the number of retries allowed per window.
	MaxAttempts int
	// Window is the rolling window for MaxAttempts.
	Window time.Duration
	// HardTripThreshold is the number of trips inside HardWindow that
	// hard-stop the work item.
	HardTripThreshold int
	// HardWindow is the rolling window for HardTripThreshold.
	HardWindow time.Duration
}

// DefaultLimits returns 3 attempts per 10 minutes and a hard stop after 2
// trips per hour.
func DefaultLimits() Limits {
	return Limits{
		MaxAttempts:       3,
		Window:            10 * time.Minute,
		HardTripThreshold: 2,
		HardWindow:        time.Hour,
	}
}

// Pauser pauses a work item's workflow after a hard trip.
type Pauser interface {
	PauseWorkflow(ctx context.Context, workItemID, reason string) error
}

// Alerter delivers a human-facing message and reports whether it arrived.
type Alerter interface {
	SendAlert(ctx context.Context, message string) bool
}

// Trip describes a fuse trip. It is passed to the trip observer.
type Trip struct {
	WorkItemID string
	AgentRole  string
	Attempts   int
	TripCount  int
	Hard       bool
}

// Fuse is the retry fuse. It holds no state of its own.
type Fuse struct {
	store   tracker.Store
	limits  Limits
	pauser  Pauser
	alerter Alerter
	onTrip  func(context.Context, Trip)
	now     func() time.Time
	logger  *logging.Logger
}

// Option configures a Fuse.
type Option func(*Fuse)

// WithLimits overrides DefaultLimits. Non-positive fields keep the default.
func WithLimits(l Limits) Option {
	return func(f *Fuse) {
		if l.MaxAttempts > 0 {
			f.limits.MaxAttempts = l.MaxAttempts
		}
		if l.Window > 0 {
			f.limits.Window = l.Window
		}
		if l.HardTripThreshold > 0 {
			f.limits.HardTripThreshold = l.HardTripThreshold
		}
		if l.HardWindow > 0 {
			f.limits.HardWindow = l.HardWindow
		}
	}
}

// WithPauser sets the workflow pauser used on a hard trip.
func WithPauser(p Pauser) Option {
	return func(f *Fuse) { f.pauser = p }
}

// WithAlerter sets where trip alerts go.
func WithAlerter(a Alerter) Option {
	return func(f *Fuse) { f.alerter = a }
}

// WithTripObserver registers fn to run once per trip, after the alert.
func WithTripObserver(fn func(context.Context, Trip)) Option {
	return func(f *Fuse) { f.onTrip = fn }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Fuse) { f.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Fuse) {
		if l != nil {
			f.logger = l.WithComponent("retry-fuse")
		}
	}
}

// NewFuse creates a Fuse persisting its state in store.
func NewFuse(store tracker.Store, opts ...Option) *Fuse {
	f := &Fuse{
		store:  store,
		limits: DefaultLimits(),
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Limits returns the effective limits.
func (f *Fuse) Limits() Limits { return f.limits }

// NormalizeRole trims role, drops a leading "@" and lower-cases it.
func NormalizeRole(role string) string {
	role = strings.TrimSpace(role)
	role = strings.TrimLeft(role, "@")
	return strings.ToLower(strings.TrimSpace(role))
}

// Check records a retry request for (workItemID, role) and reports whether
// the retry may proceed. When the fuse state cannot be read or written the
// retry is allowed and the failure is returned alongside true.
func (f *Fuse) Check(ctx context.Context, workItemID, role string) (bool, error) {
	if strings.TrimSpace(workItemID) == "" {
		return false, errors.ErrInvalidWorkItem
	}
	role = NormalizeRole(role)
	now := f.now()
	nowSec := tracker.UnixSeconds(now)
	windowSecs := f.limits.Window.Seconds()

	allowed := true
	var trip *Trip
	var alerted bool
	var windowStart float64

	err := tracker.Update(ctx, f.store, func(agents tracker.Agents) bool {
		entry := agents.Entry(workItemID)
		trips := f.pruneTrips(entry.FuseTripTimes, nowSec)

		var state tracker.FuseState
		if entry.RetryFuse != nil {
			state = *entry.RetryFuse
		}
		state.AgentRole = NormalizeRole(state.AgentRole)
		if state.AgentRole != role || state.WindowStart <= 0 || nowSec-state.WindowStart > windowSecs {
			state = tracker.FuseState{AgentRole: role, WindowStart: nowSec}
		}

		if state.Tripped || state.HardTripped {
			allowed = false
			return false
		}

		state.Attempts++
		if state.Attempts > f.limits.MaxAttempts {
			allowed = false
			state.Tripped = true
			state.TrippedAt = nowSec
			trips = append(trips, nowSec)
			state.HardTripped = len(trips) >= f.limits.HardTripThreshold
			trip = &Trip{
				WorkItemID: workItemID,
				AgentRole:  role,
				Attempts:   state.Attempts,
				TripCount:  len(trips),
				Hard:       state.HardTripped,
			}
			alerted = state.Alerted
			windowStart = state.WindowStart
		}

		entry.RetryFuse = &state
		entry.FuseTripTimes = trips
		return true
	})
	if err != nil {
		f.logger.Warn("retry fuse bookkeeping failed, allowing retry",
			"work_item", workItemID, "agent_role", role, "error", err)
		return true, fmt.Errorf("retry fuse bookkeeping: %w", err)
	}

	if trip == nil {
		if !allowed {
			f.logger.Error("retry fuse already tripped", "work_item", workItemID, "agent_role", role)
		}
		return allowed, nil
	}

	if !alerted {
		f.announce(ctx, *trip, windowStart)
	}
	f.logger.Error("retry fuse tripped",
		"work_item", workItemID,
		"agent_role", role,
		"attempts", trip.Attempts,
		"trips_in_hard_window", trip.TripCount,
		"hard", trip.Hard,
	)
	return false, nil
}

// announce pauses the workflow on a hard trip, sends the trip alert and
// marks the fuse alerted.
func (f *Fuse) announce(ctx context.Context, trip Trip, windowStart float64) {
	if trip.Hard && f.pauser != nil {
		reason := fmt.Sprintf("Auto-paused: retry fuse tripped for %s", trip.AgentRole)
		if err := f.pauser.PauseWorkflow(ctx, trip.WorkItemID, reason); err != nil {
			f.logger.Warn("failed to pause workflow after retry fuse trip",
				"work_item", trip.WorkItemID, "error", err)
		}
	}

	if f.alerter != nil && !f.alerter.SendAlert(ctx, f.tripMessage(trip)) {
		f.logger.Warn("retry fuse alert not delivered", "work_item", trip.WorkItemID)
	}

	err := tracker.Update(ctx, f.store, func(agents tracker.Agents) bool {
		e, ok := agents[trip.WorkItemID]
		if !ok || e == nil || e.RetryFuse == nil || e.RetryFuse.WindowStart != windowStart {
			return false
		}
		e.RetryFuse.Alerted = true
		return true
	})
	if err != nil {
		f.logger.Warn("failed to mark retry fuse alerted", "work_item", trip.WorkItemID, "error", err)
	}

	if f.onTrip != nil {
		f.onTrip(ctx, trip)
	}
}

func (f *Fuse) tripMessage(trip Trip) string {
	if trip.Hard {
		return fmt.Sprintf("🛑 **Retry Fuse Hard-Stop**\n\n"+
			"Work item: %s\nAgent: %s\n"+
			"Status: Fuse tripped %d times within %d minutes. "+
			"Workflow auto-chain is hard-stopped and requires manual intervention.\n\n"+
			"Review logs and comments, then reset the fuse or resume the workflow when ready.",
			trip.WorkItemID, trip.AgentRole, trip.TripCount, int(f.limits.HardWindow.Minutes()))
	}
	return fmt.Sprintf("🛑 **Retry Fuse Tripped**\n\n"+
		"Work item: %s\nAgent: %s\n"+
		"Status: Auto-chain paused after %d retry attempts within %d minutes.\n\n"+
		"Reset the fuse or resume the workflow after investigating logs.",
		trip.WorkItemID, trip.AgentRole, trip.Attempts, int(f.limits.Window.Minutes()))
}

func (f *Fuse) pruneTrips(times []float64, nowSec float64) []float64 {
	hard := f.limits.HardWindow.Seconds()
	out := make([]float64, 0, len(times)+1)
	for _, ts := range times {
		if nowSec-ts <= hard {
			out = append(out, ts)
		}
	}
	return out
}
