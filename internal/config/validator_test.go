package config

import (
	"strings"
	"testing"
)

func hasField(errs []ValidationError, field string) bool {
	for _, err := range errs {
		if err.Field == field {
			return true
		}
	}
	return false
}

func TestValidationErrors_Error(t *testing.T) {
	single := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	if got, want := single.Error(), "a: bad (got: 1)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	multi := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: "x", Message: "worse"},
	}
	got := multi.Error()
	if !strings.HasPrefix(got, "2 validation errors:") || !strings.Contains(got, "2. b: worse") {
		t.Errorf("Error() = %q", got)
	}

	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should render as empty string")
	}
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("Default().Validate() = %v, want no errors", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty nexus dir", func(c *Config) { c.Paths.NexusDir = "" }, "paths.nexus_dir"},
		{"nested nexus dir", func(c *Config) { c.Paths.NexusDir = "a/b" }, "paths.nexus_dir"},
		{"unknown completion backend", func(c *Config) { c.Completion.Backend = "postgres" }, "completion.backend"},
		{"unknown tracker backend", func(c *Config) { c.Tracker.Backend = "redis" }, "tracker.backend"},
		{"zero recent window", func(c *Config) { c.Tracker.RecentWindowSeconds = 0 }, "tracker.recent_window_seconds"},
		{"negative cooldown", func(c *Config) { c.LaunchGuard.CooldownSeconds = -1 }, "launch_guard.cooldown_seconds"},
		{"probe without pattern", func(c *Config) { c.LaunchGuard.ProbePattern = " " }, "launch_guard.probe_pattern"},
		{"zero max attempts", func(c *Config) { c.RetryFuse.MaxAttempts = 0 }, "retry_fuse.max_attempts"},
		{"zero hard window", func(c *Config) { c.RetryFuse.HardWindowSeconds = 0 }, "retry_fuse.hard_window_seconds"},
		{"zero poll interval", func(c *Config) { c.Orchestrator.PollIntervalSeconds = 0 }, "orchestrator.poll_interval_seconds"},
		{"zero miss threshold", func(c *Config) { c.Orchestrator.LivenessMissThreshold = 0 }, "orchestrator.liveness_miss_threshold"},
		{"negative stale window", func(c *Config) { c.Orchestrator.StaleCompletionSeconds = -5 }, "orchestrator.stale_completion_seconds"},
		{"bad timeout action", func(c *Config) { c.Orchestrator.TimeoutAction = "ignore" }, "orchestrator.timeout_action"},
		{"no tools", func(c *Config) { c.Agents.Tools = nil }, "agents.tools"},
		{"tool without command", func(c *Config) { c.Agents.Tools = []ToolConfig{{Name: "x"}} }, "agents.tools[0].command"},
		{"duplicate tool", func(c *Config) {
			c.Agents.Tools = []ToolConfig{{Name: "x", Command: "x"}, {Name: "x", Command: "y"}}
		}, "agents.tools[1].name"},
		{"role timeout", func(c *Config) { c.Agents.RoleTimeoutSeconds = map[string]int{"qa": 0} }, "agents.role_timeout_seconds.qa"},
		{"webhook scheme", func(c *Config) { c.Alerts.WebhookURL = "ftp://example.com" }, "alerts.webhook_url"},
		{"alert timeout", func(c *Config) { c.Alerts.TimeoutSeconds = 0 }, "alerts.timeout_seconds"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"log backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if errs := cfg.Validate(); !hasField(errs, tt.field) {
				t.Errorf("Validate() = %v, want error for %s", errs, tt.field)
			}
		})
	}
}

func TestConfig_Validate_AcceptsValidVariants(t *testing.T) {
	cfg := Default()
	cfg.Completion.Backend = "sqlite"
	cfg.Tracker.Backend = "sqlite"
	cfg.Orchestrator.TimeoutAction = "fail_step"
	cfg.Alerts.WebhookURL = "https://hooks.example.com/alerts"
	cfg.Logging.Level = "DEBUG"
	cfg.LaunchGuard.ProcessProbe = false
	cfg.LaunchGuard.ProbePattern = ""

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}
