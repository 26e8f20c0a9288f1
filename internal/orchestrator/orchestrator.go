package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/logging"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

// DefaultAgentTimeout applies when neither the runtime nor the configuration
// names a timeout for a role.
const DefaultAgentTimeout = time.Hour

// DefaultLivenessMissThreshold is how many consecutive failed liveness checks
// a PID needs, inside its timeout, before it is declared dead.
const DefaultLivenessMissThreshold = 2

// staleLogSlack tolerates clock skew between a log's mtime and the recorded
// launch time.
const staleLogSlack = 5 * time.Second

// TimeoutAction selects what Pass B does with a timed-out agent.
type TimeoutAction string

// Timeout actions.
const (
	TimeoutRetry     TimeoutAction = "retry"
	TimeoutAlertOnly TimeoutAction = "alert_only"
	TimeoutFailStep  TimeoutAction = "fail_step"
)

// Config tunes the passes.
type Config struct {
	// NexusDir is the hidden directory holding tasks/<project>/{completions,logs}.
	NexusDir string
	// DefaultAgentTimeout is used when the runtime reports no timeout.
	DefaultAgentTimeout time.Duration
	// LivenessMissThreshold is the consecutive-miss count required inside
	// the timeout window.
	LivenessMissThreshold int
	// StaleCompletionAge, when positive, skips completions older than this
	// unless the workflow still expects the completing role.
	StaleCompletionAge time.Duration
	// RequireCompletionComment blocks chaining when the comment fails.
	RequireCompletionComment bool
	// ChainingEnabled launches the next agent after a completion.
	ChainingEnabled bool
	// TimeoutAction selects the Pass B behaviour.
	TimeoutAction TimeoutAction
}

// DefaultConfig returns the default pass configuration.
func DefaultConfig() Config {
	return Config{
		NexusDir:                 ".nexus",
		DefaultAgentTimeout:      DefaultAgentTimeout,
		LivenessMissThreshold:    DefaultLivenessMissThreshold,
		RequireCompletionComment: true,
		ChainingEnabled:          true,
		TimeoutAction:            TimeoutRetry,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces DefaultConfig. Zero durations and thresholds keep
// their defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		def := DefaultConfig()
		if cfg.NexusDir == "" {
			cfg.NexusDir = def.NexusDir
		}
		if cfg.DefaultAgentTimeout <= 0 {
			cfg.DefaultAgentTimeout = def.DefaultAgentTimeout
		}
		if cfg.LivenessMissThreshold < 1 {
			cfg.LivenessMissThreshold = def.LivenessMissThreshold
		}
		if cfg.TimeoutAction == "" {
			cfg.TimeoutAction = def.TimeoutAction
		}
		o.cfg = cfg
	}
}

// WithResolver overrides the default project/repository resolver.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l.WithComponent("orchestrator")
		}
	}
}

// Orchestrator runs the reconciliation passes. It is not safe for concurrent
// use; the supervisor loop serialises passes.
type Orchestrator struct {
	runtime  AgentRuntime
	decider  WorkflowDecider
	store    CompletionSource
	resolver Resolver
	metrics  Recorder
	cfg      Config
	now      func() time.Time
	logger   *logging.Logger

	// Per-process dedup state, discarded with the Orchestrator.
	deadAlerted    map[string]bool
	deadMisses     map[string]int
	orphanAlerted  map[string]bool
	commentAlerted map[string]bool
}

// New creates an Orchestrator. decider may be nil, in which case every
// completion follows its own next_agent.
func New(runtime AgentRuntime, decider WorkflowDecider, store CompletionSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runtime:        runtime,
		decider:        decider,
		store:          store,
		metrics:        nopRecorder{},
		cfg:            DefaultConfig(),
		now:            time.Now,
		logger:         logging.NopLogger(),
		deadAlerted:    make(map[string]bool),
		deadMisses:     make(map[string]int),
		orphanAlerted:  make(map[string]bool),
		commentAlerted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resolver == nil {
		o.resolver = NexusResolver{NexusDir: o.cfg.NexusDir}
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// NexusResolver derives the project from the completion path and uses the
// project name as the repository.
type NexusResolver struct {
	NexusDir string
}

// ResolveProject implements Resolver.
func (r NexusResolver) ResolveProject(location string) string {
	if strings.HasPrefix(location, completion.DBLocationPrefix) {
		return ""
	}
	return completion.ProjectFromLocation(location, r.NexusDir)
}

// ResolveRepo implements Resolver.
func (r NexusResolver) ResolveRepo(project, workItemID string) string {
	if project != "" {
		return project
	}
	return workItemID
}

// runtimeStore adapts the runtime's tracker methods to tracker.Store so every
// mutation uses the shared reload-mutate-save helper.
type runtimeStore struct {
	rt AgentRuntime
}

func (s runtimeStore) Load(ctx context.Context, recentOnly bool) (tracker.Agents, error) {
	return s.rt.LoadLaunchedAgents(ctx, recentOnly)
}

func (s runtimeStore) Save(ctx context.Context, agents tracker.Agents) error {
	return s.rt.SaveLaunchedAgents(ctx, agents)
}

func (o *Orchestrator) loadTracker(ctx context.Context) (tracker.Agents, error) {
	agents, err := o.runtime.LoadLaunchedAgents(ctx, false)
	if err != nil {
		return nil, trackerFault("load", err)
	}
	if agents == nil {
		agents = tracker.Agents{}
	}
	return agents, nil
}

// purge forgets the process tracked for workItemID. When pid is non-zero the
// entry is only touched if it still records that pid, so a relaunch written
// concurrently survives.
func (o *Orchestrator) purge(ctx context.Context, workItemID string, pid int) error {
	err := tracker.Update(ctx, runtimeStore{o.runtime}, func(agents tracker.Agents) bool {
		e, ok := agents[workItemID]
		if !ok {
			return false
		}
		if pid > 0 && e != nil && e.PID != pid {
			return false
		}
		return agents.Purge(workItemID)
	})
	if err != nil {
		return trackerFault("purge", err)
	}
	return nil
}

// forget removes the tracker entry for workItemID entirely.
func (o *Orchestrator) forget(ctx context.Context, workItemID string) error {
	err := tracker.Update(ctx, runtimeStore{o.runtime}, func(agents tracker.Agents) bool {
		if _, ok := agents[workItemID]; !ok {
			return false
		}
		delete(agents, workItemID)
		return true
	})
	if err != nil {
		return trackerFault("forget", err)
	}
	return nil
}

func trackerFault(op string, err error) error {
	if errors.IsStoreFault(err) {
		return err
	}
	return fmt.Errorf("tracker %s: %w: %w", op, errors.ErrTrackerUnavailable, err)
}

// resolveTimeout asks the runtime for role's timeout and falls back to the
// configured default.
func (o *Orchestrator) resolveTimeout(ctx context.Context, workItemID, role string) time.Duration {
	if t := o.runtime.AgentTimeout(ctx, workItemID, role); t > 0 {
		return t
	}
	return o.cfg.DefaultAgentTimeout
}

// relaunch asks the runtime for a retry launch and logs the result.
func (o *Orchestrator) relaunch(ctx context.Context, workItemID, role string, trigger Trigger, crashedTool string) LaunchResult {
	req := LaunchRequest{WorkItemID: workItemID, AgentRole: role, Trigger: trigger}
	if crashedTool != "" {
		req.ExcludeTools = []string{crashedTool}
	}
	log := o.logger.WithWorkItem(workItemID).WithRole(role)

	res, err := o.runtime.LaunchAgent(ctx, req)
	switch {
	case err != nil:
		log.Error("retry launch failed", "trigger", string(trigger), "error", err)
	case res.Launched():
		o.metrics.Relaunch(trigger)
		log.Info("retry launched", "trigger", string(trigger), "pid", res.PID, "tool", res.Tool)
	case res.Skipped != "":
		log.Info("retry launch skipped", "trigger", string(trigger), "reason", string(res.Skipped))
	default:
		log.Error("retry launch failed", "trigger", string(trigger))
	}
	return res
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(role), "@"))
}

func knownRole(role string) bool {
	role = strings.TrimSpace(role)
	return role != "" && role != completion.DefaultAgentRole
}
