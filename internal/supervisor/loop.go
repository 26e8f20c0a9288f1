// Package supervisor drives the reconciliation passes on a schedule.
//
// A Loop runs Pass A (completions) on the poll interval and on wake signals,
// and Passes B and C (stuck and dead agents) on the maintenance interval.
// Passes run on a single goroutine and never overlap. A failed pass is
// logged and counted; the next tick starts again from persisted state.
package supervisor

import (
	"context"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/logging"
	"github.com/Iron-Ham/agentwarden/internal/metrics"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
)

// Passes is the reconciliation engine driven by a Loop.
type Passes interface {
	ScanAndProcessCompletions(ctx context.Context, seen orchestrator.DedupSet) error
	CheckStuckAgents(ctx context.Context, baseDir string) error
}

// GuardJanitor expires stale launch guard records.
type GuardJanitor interface {
	CleanupExpired() int
}

// PassObserver records pass timings.
type PassObserver interface {
	ObservePass(pass string, d time.Duration, err error)
}

// Loop owns the dedup set for the lifetime of the supervisor process.
type Loop struct {
	passes  Passes
	baseDir string
	cfg     config
	seen    orchestrator.DedupSet
	logger  *logging.Logger
	now     func() time.Time
}

// New creates a Loop scanning baseDir.
func New(passes Passes, baseDir string, opts ...Option) *Loop {
	cfg := config{
		pollInterval:        defaultPollInterval,
		maintenanceInterval: defaultMaintenanceInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Loop{
		passes:  passes,
		baseDir: baseDir,
		cfg:     cfg,
		seen:    orchestrator.NewDedupSet(),
		logger:  logger.WithComponent("supervisor"),
		now:     time.Now,
	}
}

// Run executes every pass once and then keeps going until ctx is
// cancelled. Pass errors never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("supervisor started",
		"base_dir", l.baseDir,
		"poll_interval", l.cfg.pollInterval.String(),
		"maintenance_interval", l.cfg.maintenanceInterval.String(),
	)
	_ = l.RunOnce(ctx, true)

	poll := time.NewTicker(l.cfg.pollInterval)
	defer poll.Stop()
	maintenance := time.NewTicker(l.cfg.maintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("supervisor stopped")
			return nil
		case <-poll.C:
			_ = l.completions(ctx)
		case <-l.cfg.wake:
			_ = l.completions(ctx)
		case <-maintenance.C:
			_ = l.maintenance(ctx)
		}
	}
}

// RunOnce runs Pass A and, when maintenance is set, Passes B and C.
func (l *Loop) RunOnce(ctx context.Context, maintenance bool) error {
	err := l.completions(ctx)
	if maintenance {
		err = errors.Join(err, l.maintenance(ctx))
	}
	return err
}

// Seen returns the number of completions handled so far.
func (l *Loop) Seen() int { return len(l.seen) }

func (l *Loop) completions(ctx context.Context) error {
	start := l.now()
	err := l.passes.ScanAndProcessCompletions(ctx, l.seen)
	l.finish(ctx, metrics.PassCompletions, start, err)
	return err
}

func (l *Loop) maintenance(ctx context.Context) error {
	if l.cfg.guard != nil {
		if n := l.cfg.guard.CleanupExpired(); n > 0 {
			l.logger.Debug("expired launch guard records", "count", n)
		}
	}
	start := l.now()
	err := l.passes.CheckStuckAgents(ctx, l.baseDir)
	l.finish(ctx, metrics.PassMaintenance, start, err)
	return err
}

func (l *Loop) finish(ctx context.Context, pass string, start time.Time, err error) {
	if l.cfg.observer != nil {
		l.cfg.observer.ObservePass(pass, l.now().Sub(start), err)
	}
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.IsStoreFault(err):
		l.logger.Error("pass aborted on store fault", "pass", pass, "error", err)
	default:
		l.logger.Warn("pass failed", "pass", pass, "error", err)
	}
}
