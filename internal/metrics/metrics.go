// Package metrics exposes supervisor counters and pass timings to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
)

const namespace = "agentwarden"

// Pass labels.
const (
	PassCompletions = "completions"
	PassMaintenance = "maintenance"
)

// Collectors holds every supervisor metric on its own registry so tests and
// multiple supervisors in one process do not collide.
type Collectors struct {
	registry *prometheus.Registry

	passDuration      *prometheus.HistogramVec
	passErrors        *prometheus.CounterVec
	completions       *prometheus.CounterVec
	relaunches        *prometheus.CounterVec
	deadAgents        prometheus.Counter
	fuseTrips         *prometheus.CounterVec
	watchdogFallbacks *prometheus.CounterVec
}

// New registers the supervisor collectors plus the Go and process collectors
// on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"pass"}),
		passErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_errors_total",
			Help:      "Reconciliation passes that ended in an error.",
		}, []string{"pass"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion summaries handled, by outcome.",
		}, []string{"outcome"}),
		relaunches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relaunches_total",
			Help:      "Agents launched by the supervisor, by trigger.",
		}, []string{"trigger"}),
		deadAgents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_agents_total",
			Help:      "Tracked agent processes found dead without a completion.",
		}),
		fuseTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fuse_trips_total",
			Help:      "Retry fuse trips, by kind (soft or hard).",
		}, []string{"kind"}),
		watchdogFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_fallbacks_total",
			Help:      "Quota watchdog fallbacks, by exhausted tool.",
		}, []string{"tool"}),
	}
}

// CompletionProcessed implements orchestrator.Recorder.
func (c *Collectors) CompletionProcessed(outcome string) {
	c.completions.WithLabelValues(outcome).Inc()
}

// Relaunch implements orchestrator.Recorder.
func (c *Collectors) Relaunch(trigger orchestrator.Trigger) {
	c.relaunches.WithLabelValues(string(trigger)).Inc()
}

// DeadAgent implements orchestrator.Recorder.
func (c *Collectors) DeadAgent() { c.deadAgents.Inc() }

// FuseTripped counts a retry fuse trip.
func (c *Collectors) FuseTripped(hard bool) {
	kind := "soft"
	if hard {
		kind = "hard"
	}
	c.fuseTrips.WithLabelValues(kind).Inc()
}

// WatchdogFallback counts a quota fallback away from tool.
func (c *Collectors) WatchdogFallback(tool string) {
	c.watchdogFallbacks.WithLabelValues(tool).Inc()
}

// ObservePass records one pass duration and whether it failed.
func (c *Collectors) ObservePass(pass string, d time.Duration, err error) {
	c.passDuration.WithLabelValues(pass).Observe(d.Seconds())
	if err != nil {
		c.passErrors.WithLabelValues(pass).Inc()
	}
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
