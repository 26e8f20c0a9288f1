package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete agentwarden configuration
type Config struct {
	Paths        PathsConfig        `mapstructure:"paths" yaml:"paths"`
	Completion   CompletionConfig   `mapstructure:"completion" yaml:"completion"`
	Tracker      TrackerConfig      `mapstructure:"tracker" yaml:"tracker"`
	LaunchGuard  LaunchGuardConfig  `mapstructure:"launch_guard" yaml:"launch_guard"`
	RetryFuse    RetryFuseConfig    `mapstructure:"retry_fuse" yaml:"retry_fuse"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Agents       AgentsConfig       `mapstructure:"agents" yaml:"agents"`
	Alerts       AlertsConfig       `mapstructure:"alerts" yaml:"alerts"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// PathsConfig controls where work items, agent logs and supervisor state live
type PathsConfig struct {
	// BaseDir is the workspace root scanned for completion summaries and
	// agent logs. Supports ~ expansion. Empty means the working directory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// NexusDir is the per-project metadata directory name (default: ".nexus")
	NexusDir string `mapstructure:"nexus_dir" yaml:"nexus_dir"`
	// StateDir holds the tracker, workflow state, audit log and supervisor
	// log. Empty means ~/.local/state/agentwarden.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// CompletionConfig selects the completion store backend
type CompletionConfig struct {
	// Backend is "filesystem" (default) or "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// DatabasePath is the SQLite file used by the sqlite backends.
	// Empty means {state_dir}/agentwarden.db.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
}

// TrackerConfig controls persistence of the launched-agents tracker
type TrackerConfig struct {
	// Backend is "file" (default) or "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path overrides {state_dir}/launched_agents.json for the file backend
	Path string `mapstructure:"path" yaml:"path"`
	// RecentWindowSeconds bounds the "recent only" view of the tracker (default: 7200)
	RecentWindowSeconds int `mapstructure:"recent_window_seconds" yaml:"recent_window_seconds"`
}

// LaunchGuardConfig controls duplicate-launch suppression
type LaunchGuardConfig struct {
	// CooldownSeconds is how long a (work item, role) launch blocks another (default: 300)
	CooldownSeconds int `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
	// ProcessProbe enables the pgrep-based secondary check (default: true)
	ProcessProbe bool `mapstructure:"process_probe" yaml:"process_probe"`
	// ProbePattern is the pgrep -f pattern; {work_item} and {role} are substituted
	ProbePattern string `mapstructure:"probe_pattern" yaml:"probe_pattern"`
}

// RetryFuseConfig bounds automatic relaunches per work item
type RetryFuseConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts"`
	WindowSeconds     int `mapstructure:"window_seconds" yaml:"window_seconds"`
	HardTripThreshold int `mapstructure:"hard_trip_threshold" yaml:"hard_trip_threshold"`
	HardWindowSeconds int `mapstructure:"hard_window_seconds" yaml:"hard_window_seconds"`
}

// OrchestratorConfig controls the poll loop and the reconciliation passes
type OrchestratorConfig struct {
	// PollIntervalSeconds is how often completions are scanned (default: 15)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	// MaintenanceIntervalSeconds is how often timeouts and dead agents are checked (default: 60)
	MaintenanceIntervalSeconds int `mapstructure:"maintenance_interval_seconds" yaml:"maintenance_interval_seconds"`
	// DefaultAgentTimeoutSeconds is the log inactivity budget (default: 3600)
	DefaultAgentTimeoutSeconds int `mapstructure:"default_agent_timeout_seconds" yaml:"default_agent_timeout_seconds"`
	// LivenessMissThreshold is the number of consecutive failed liveness
	// checks before an agent inside its timeout window is declared dead (default: 2)
	LivenessMissThreshold int `mapstructure:"liveness_miss_threshold" yaml:"liveness_miss_threshold"`
	// StaleCompletionSeconds ignores completions older than this on first
	// sight unless the workflow still expects them (0 = disabled)
	StaleCompletionSeconds int `mapstructure:"stale_completion_seconds" yaml:"stale_completion_seconds"`
	// RequireCompletionComment alerts when the completion comment cannot be posted (default: true)
	RequireCompletionComment bool `mapstructure:"require_completion_comment" yaml:"require_completion_comment"`
	// ChainingEnabled launches the next agent after a completion (default: true)
	ChainingEnabled bool `mapstructure:"chaining_enabled" yaml:"chaining_enabled"`
	// TimeoutAction is "retry" (default), "alert_only" or "fail_step"
	TimeoutAction string `mapstructure:"timeout_action" yaml:"timeout_action"`
	// WatchCompletions runs the completion pass early on filesystem events (default: true)
	WatchCompletions bool `mapstructure:"watch_completions" yaml:"watch_completions"`
}

// ToolConfig describes one agent CLI the launcher can spawn.
// Args may contain {work_item}, {role} and {workspace} placeholders.
type ToolConfig struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// AgentsConfig lists launcher tools in fallback order
type AgentsConfig struct {
	Tools []ToolConfig `mapstructure:"tools" yaml:"tools"`
	// RoleTimeoutSeconds overrides the default timeout per agent role
	RoleTimeoutSeconds map[string]int `mapstructure:"role_timeout_seconds" yaml:"role_timeout_seconds"`
	// QuotaWatchdog tails agent logs for quota exhaustion markers (default: true)
	QuotaWatchdog bool `mapstructure:"quota_watchdog" yaml:"quota_watchdog"`
}

// AlertsConfig controls operator alert delivery
type AlertsConfig struct {
	// WebhookURL receives alerts as JSON POSTs. Empty means alerts are logged only.
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	// TimeoutSeconds bounds a single delivery attempt (default: 10)
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// LoggingConfig controls the supervisor log
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB rotates the log past this size (default: 20)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 5)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			NexusDir: ".nexus",
		},
		Completion: CompletionConfig{
			Backend: "filesystem",
		},
		Tracker: TrackerConfig{
			Backend:             "file",
			RecentWindowSeconds: 7200,
		},
		LaunchGuard: LaunchGuardConfig{
			CooldownSeconds: 300,
			ProcessProbe:    true,
			ProbePattern:    "agentwarden-agent --work-item {work_item} --role {role}",
		},
		RetryFuse: RetryFuseConfig{
			MaxAttempts:       3,
			WindowSeconds:     600,
			HardTripThreshold: 2,
			HardWindowSeconds: 3600,
		},
		Orchestrator: OrchestratorConfig{
			PollIntervalSeconds:        15,
			MaintenanceIntervalSeconds: 60,
			DefaultAgentTimeoutSeconds: 3600,
			LivenessMissThreshold:      2,
			StaleCompletionSeconds:     0,
			RequireCompletionComment:   true,
			ChainingEnabled:            true,
			TimeoutAction:              "retry",
			WatchCompletions:           true,
		},
		Agents: AgentsConfig{
			Tools: []ToolConfig{
				{Name: "claude", Command: "claude", Args: []string{"-p", "Continue work item {work_item} as @{role}"}},
			},
			RoleTimeoutSeconds: map[string]int{},
			QuotaWatchdog:      true,
		},
		Alerts: AlertsConfig{
			TimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}

// PollInterval returns the completion scan interval
func (c *OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaintenanceInterval returns the timeout/dead-agent check interval
func (c *OrchestratorConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

// StaleCompletionAge returns the stale completion threshold (0 = disabled)
func (c *OrchestratorConfig) StaleCompletionAge() time.Duration {
	return time.Duration(c.StaleCompletionSeconds) * time.Second
}

// Cooldown returns the launch guard cooldown
func (c *LaunchGuardConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// RecentWindow returns the tracker's recent-only window
func (c *TrackerConfig) RecentWindow() time.Duration {
	return time.Duration(c.RecentWindowSeconds) * time.Second
}

// Timeout returns the alert delivery timeout
func (c *AlertsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AgentTimeout returns the timeout for role, falling back to the
// orchestrator default.
func (c *Config) AgentTimeout(role string) time.Duration {
	role = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(role), "@"))
	if secs, ok := c.Agents.RoleTimeoutSeconds[role]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.Orchestrator.DefaultAgentTimeoutSeconds) * time.Second
}

// ResolveBaseDir returns the absolute workspace root.
func (p *PathsConfig) ResolveBaseDir() string {
	if p.BaseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return expandHome(p.BaseDir)
}

// ResolveStateDir returns the directory for supervisor state.
func (p *PathsConfig) ResolveStateDir() string {
	if p.StateDir != "" {
		return expandHome(p.StateDir)
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentwarden")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentwarden"
	}
	return filepath.Join(home, ".local", "state", "agentwarden")
}

// ResolveDatabasePath returns the SQLite file path.
func (c *Config) ResolveDatabasePath() string {
	if c.Completion.DatabasePath != "" {
		return expandHome(c.Completion.DatabasePath)
	}
	return filepath.Join(c.Paths.ResolveStateDir(), "agentwarden.db")
}

// ResolveTrackerPath returns the JSON tracker path for the file backend.
func (c *Config) ResolveTrackerPath() string {
	if c.Tracker.Path != "" {
		return expandHome(c.Tracker.Path)
	}
	return filepath.Join(c.Paths.ResolveStateDir(), "launched_agents.json")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("paths.base_dir", d.Paths.BaseDir)
	viper.SetDefault("paths.nexus_dir", d.Paths.NexusDir)
	viper.SetDefault("paths.state_dir", d.Paths.StateDir)

	viper.SetDefault("completion.backend", d.Completion.Backend)
	viper.SetDefault("completion.database_path", d.Completion.DatabasePath)

	viper.SetDefault("tracker.backend", d.Tracker.Backend)
	viper.SetDefault("tracker.path", d.Tracker.Path)
	viper.SetDefault("tracker.recent_window_seconds", d.Tracker.RecentWindowSeconds)

	viper.SetDefault("launch_guard.cooldown_seconds", d.LaunchGuard.CooldownSeconds)
	viper.SetDefault("launch_guard.process_probe", d.LaunchGuard.ProcessProbe)
	viper.SetDefault("launch_guard.probe_pattern", d.LaunchGuard.ProbePattern)

	viper.SetDefault("retry_fuse.max_attempts", d.RetryFuse.MaxAttempts)
	viper.SetDefault("retry_fuse.window_seconds", d.RetryFuse.WindowSeconds)
	viper.SetDefault("retry_fuse.hard_trip_threshold", d.RetryFuse.HardTripThreshold)
	viper.SetDefault("retry_fuse.hard_window_seconds", d.RetryFuse.HardWindowSeconds)

	viper.SetDefault("orchestrator.poll_interval_seconds", d.Orchestrator.PollIntervalSeconds)
	viper.SetDefault("orchestrator.maintenance_interval_seconds", d.Orchestrator.MaintenanceIntervalSeconds)
	viper.SetDefault("orchestrator.default_agent_timeout_seconds", d.Orchestrator.DefaultAgentTimeoutSeconds)
	viper.SetDefault("orchestrator.liveness_miss_threshold", d.Orchestrator.LivenessMissThreshold)
	viper.SetDefault("orchestrator.stale_completion_seconds", d.Orchestrator.StaleCompletionSeconds)
	viper.SetDefault("orchestrator.require_completion_comment", d.Orchestrator.RequireCompletionComment)
	viper.SetDefault("orchestrator.chaining_enabled", d.Orchestrator.ChainingEnabled)
	viper.SetDefault("orchestrator.timeout_action", d.Orchestrator.TimeoutAction)
	viper.SetDefault("orchestrator.watch_completions", d.Orchestrator.WatchCompletions)

	viper.SetDefault("agents.tools", d.Agents.Tools)
	viper.SetDefault("agents.role_timeout_seconds", d.Agents.RoleTimeoutSeconds)
	viper.SetDefault("agents.quota_watchdog", d.Agents.QuotaWatchdog)

	viper.SetDefault("alerts.webhook_url", d.Alerts.WebhookURL)
	viper.SetDefault("alerts.timeout_seconds", d.Alerts.TimeoutSeconds)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	viper.SetDefault("logging.compress", d.Logging.Compress)

	viper.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentwarden")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentwarden"
	}
	return filepath.Join(home, ".config", "agentwarden")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
