package supervisor

import (
	"time"

	"github.com/Iron-Ham/agentwarden/internal/logging"
)

const (
	defaultPollInterval        = 15 * time.Second
	defaultMaintenanceInterval = time.Minute
)

// Option configures a Loop.
type Option func(*config)

type config struct {
	pollInterval        time.Duration
	maintenanceInterval time.Duration
	wake                <-chan struct{}
	guard               GuardJanitor
	observer            PassObserver
	logger              *logging.Logger
}

// WithIntervals sets how often Pass A and the maintenance passes run.
// Non-positive values keep the defaults.
func WithIntervals(poll, maintenance time.Duration) Option {
	return func(c *config) {
		if poll > 0 {
			c.pollInterval = poll
		}
		if maintenance > 0 {
			c.maintenanceInterval = maintenance
		}
	}
}

// WithWake runs Pass A early whenever wake delivers. The completion
// watcher's C() channel is the usual source.
func WithWake(wake <-chan struct{}) Option {
	return func(c *config) { c.wake = wake }
}

// WithGuardJanitor drops expired launch guard records before each
// maintenance run.
func WithGuardJanitor(g GuardJanitor) Option {
	return func(c *config) { c.guard = g }
}

// WithObserver receives the duration and outcome of every pass.
func WithObserver(o PassObserver) Option {
	return func(c *config) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) { c.logger = logger }
}
