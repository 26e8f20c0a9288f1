package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/audit"
	"github.com/Iron-Ham/agentwarden/internal/config"
	"github.com/Iron-Ham/agentwarden/internal/db"
	"github.com/Iron-Ham/agentwarden/internal/host"
	"github.com/Iron-Ham/agentwarden/internal/logging"
	"github.com/Iron-Ham/agentwarden/internal/metrics"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/launchguard"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator/retry"
	"github.com/Iron-Ham/agentwarden/internal/process"
	"github.com/Iron-Ham/agentwarden/internal/tracker"
)

// app holds the stores and collaborators shared by the subcommands.
type app struct {
	cfg         *config.Config
	baseDir     string
	stateDir    string
	logger      *logging.Logger
	db          *db.DB
	tracker     tracker.Store
	completions *completion.Store
	audit       audit.Sink
	workflows   *host.WorkflowStore
	metrics     *metrics.Collectors
}

// openApp loads the configuration and opens every store. The supervisor
// logs to the rotating file in the state directory; other commands log
// warnings to stderr.
func openApp(ctx context.Context, supervisor bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, supervisor)
}

func newApp(ctx context.Context, cfg *config.Config, supervisor bool) (*app, error) {
	a := &app{
		cfg:      cfg,
		baseDir:  cfg.Paths.ResolveBaseDir(),
		stateDir: cfg.Paths.ResolveStateDir(),
		metrics:  metrics.New(),
	}

	if supervisor {
		logger, err := logging.NewLogger(a.stateDir, cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return nil, err
		}
		a.logger = logger
	} else {
		a.logger = logging.NewWriterLogger(os.Stderr, logging.LevelWarn)
	}

	if cfg.Completion.Backend == completion.BackendSQLite || cfg.Tracker.Backend == "sqlite" {
		dbCfg := db.DefaultConfig()
		dbCfg.Path = cfg.ResolveDatabasePath()
		dbCfg.Logger = a.logger
		d, err := db.Open(dbCfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = d
		if err := d.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	switch cfg.Tracker.Backend {
	case "sqlite":
		a.tracker = db.NewTrackerRepository(a.db, cfg.Tracker.RecentWindow())
	default:
		a.tracker = tracker.NewFileStore(cfg.ResolveTrackerPath(), cfg.Tracker.RecentWindow())
	}

	var repo completion.Repository
	if a.db != nil {
		repo = db.NewCompletionRepository(a.db)
		a.audit = db.NewAuditRepository(a.db)
	} else {
		a.audit = audit.NewFileSink(filepath.Join(a.stateDir, "audit.jsonl"))
	}
	store, err := completion.NewStore(completion.StoreConfig{
		Backend:  cfg.Completion.Backend,
		BaseDir:  a.baseDir,
		NexusDir: cfg.Paths.NexusDir,
		Logger:   a.logger,
	}, repo)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.completions = store
	a.workflows = host.NewWorkflowStore(filepath.Join(a.stateDir, "workflows.json"))
	return a, nil
}

// Close releases the database and the log file.
func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logger.Close()
}

func (a *app) fuseLimits() retry.Limits {
	rf := a.cfg.RetryFuse
	return retry.Limits{
		MaxAttempts:       rf.MaxAttempts,
		Window:            time.Duration(rf.WindowSeconds) * time.Second,
		HardTripThreshold: rf.HardTripThreshold,
		HardWindow:        time.Duration(rf.HardWindowSeconds) * time.Second,
	}
}

// fuse returns a standalone retry fuse over the tracker, for the fuse
// subcommands.
func (a *app) fuse() *retry.Fuse {
	return retry.NewFuse(a.tracker,
		retry.WithLimits(a.fuseLimits()),
		retry.WithPauser(a.workflows),
		retry.WithLogger(a.logger),
	)
}

// runtime builds the host runtime that launches and supervises agents.
func (a *app) runtime() *host.Runtime {
	cfg := a.cfg

	guardOpts := []launchguard.Option{
		launchguard.WithCooldown(cfg.LaunchGuard.Cooldown()),
		launchguard.WithLogger(a.logger),
	}
	if cfg.LaunchGuard.ProcessProbe {
		guardOpts = append(guardOpts, launchguard.WithProbe(process.PatternProbe(cfg.LaunchGuard.ProbePattern, os.Getpid())))
	}

	tools := make([]host.Tool, 0, len(cfg.Agents.Tools))
	for _, t := range cfg.Agents.Tools {
		tools = append(tools, host.Tool{Name: t.Name, Command: t.Command, Args: t.Args})
	}

	var alerter host.Alerter = host.NewLogAlerter(a.logger)
	if cfg.Alerts.WebhookURL != "" {
		alerter = host.NewWebhookAlerter(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout())
	}

	return host.New(host.Config{
		BaseDir:       a.baseDir,
		NexusDir:      cfg.Paths.NexusDir,
		FuseLimits:    a.fuseLimits(),
		RoleTimeout:   cfg.AgentTimeout,
		QuotaWatchdog: cfg.Agents.QuotaWatchdog,
	}, host.Deps{
		Tracker:   a.tracker,
		Guard:     launchguard.New(guardOpts...),
		Launcher:  host.NewExecLauncher(tools, a.logger),
		Alerter:   alerter,
		Commenter: host.NewFileCommenter(filepath.Join(a.stateDir, "comments")),
		Audit:     a.audit,
		Workflows: a.workflows,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
}

// orchestrator wires the reconciliation passes to rt.
func (a *app) orchestrator(rt *host.Runtime) *orchestrator.Orchestrator {
	o := a.cfg.Orchestrator
	return orchestrator.New(rt, host.NewDecider(a.workflows), a.completions,
		orchestrator.WithConfig(orchestrator.Config{
			NexusDir:                 a.cfg.Paths.NexusDir,
			DefaultAgentTimeout:      time.Duration(o.DefaultAgentTimeoutSeconds) * time.Second,
			LivenessMissThreshold:    o.LivenessMissThreshold,
			StaleCompletionAge:       o.StaleCompletionAge(),
			RequireCompletionComment: o.RequireCompletionComment,
			ChainingEnabled:          o.ChainingEnabled,
			TimeoutAction:            orchestrator.TimeoutAction(o.TimeoutAction),
		}),
		orchestrator.WithResolver(orchestrator.NexusResolver{NexusDir: a.cfg.Paths.NexusDir}),
		orchestrator.WithRecorder(a.metrics),
		orchestrator.WithLogger(a.logger),
	)
}
