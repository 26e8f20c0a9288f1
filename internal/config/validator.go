package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "retry_fuse.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidCompletionBackends returns the supported completion store backends
func ValidCompletionBackends() []string {
	return []string{"filesystem", "sqlite"}
}

// ValidTrackerBackends returns the supported tracker backends
func ValidTrackerBackends() []string {
	return []string{"file", "sqlite"}
}

// ValidTimeoutActions returns the accepted orchestrator.timeout_action values
func ValidTimeoutActions() []string {
	return []string{"retry", "alert_only", "fail_step"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateStores()...)
	errors = append(errors, c.validateLaunchGuard()...)
	errors = append(errors, c.validateRetryFuse()...)
	errors = append(errors, c.validateOrchestrator()...)
	errors = append(errors, c.validateAgents()...)
	errors = append(errors, c.validateAlerts()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError
	nexus := c.Paths.NexusDir
	if strings.TrimSpace(nexus) == "" || strings.ContainsRune(nexus, '/') {
		errors = append(errors, ValidationError{
			Field:   "paths.nexus_dir",
			Value:   nexus,
			Message: "must be a single non-empty directory name",
		})
	}
	return errors
}

func (c *Config) validateStores() []ValidationError {
	var errors []ValidationError
	if !slices.Contains(ValidCompletionBackends(), c.Completion.Backend) {
		errors = append(errors, ValidationError{
			Field:   "completion.backend",
			Value:   c.Completion.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCompletionBackends(), ", ")),
		})
	}
	if !slices.Contains(ValidTrackerBackends(), c.Tracker.Backend) {
		errors = append(errors, ValidationError{
			Field:   "tracker.backend",
			Value:   c.Tracker.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTrackerBackends(), ", ")),
		})
	}
	if c.Tracker.RecentWindowSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.recent_window_seconds",
			Value:   c.Tracker.RecentWindowSeconds,
			Message: "must be positive",
		})
	}
	return errors
}

func (c *Config) validateLaunchGuard() []ValidationError {
	var errors []ValidationError
	if c.LaunchGuard.CooldownSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "launch_guard.cooldown_seconds",
			Value:   c.LaunchGuard.CooldownSeconds,
			Message: "must be non-negative",
		})
	}
	if c.LaunchGuard.ProcessProbe && strings.TrimSpace(c.LaunchGuard.ProbePattern) == "" {
		errors = append(errors, ValidationError{
			Field:   "launch_guard.probe_pattern",
			Value:   c.LaunchGuard.ProbePattern,
			Message: "required when process_probe is enabled",
		})
	}
	return errors
}

func (c *Config) validateRetryFuse() []ValidationError {
	var errors []ValidationError
	positive := []struct {
		field string
		value int
	}{
		{"retry_fuse.max_attempts", c.RetryFuse.MaxAttempts},
		{"retry_fuse.window_seconds", c.RetryFuse.WindowSeconds},
		{"retry_fuse.hard_trip_threshold", c.RetryFuse.HardTripThreshold},
		{"retry_fuse.hard_window_seconds", c.RetryFuse.HardWindowSeconds},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errors = append(errors, ValidationError{Field: p.field, Value: p.value, Message: "must be positive"})
		}
	}
	return errors
}

func (c *Config) validateOrchestrator() []ValidationError {
	var errors []ValidationError
	o := c.Orchestrator

	if o.PollIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.poll_interval_seconds",
			Value:   o.PollIntervalSeconds,
			Message: "must be positive",
		})
	}
	if o.MaintenanceIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.maintenance_interval_seconds",
			Value:   o.MaintenanceIntervalSeconds,
			Message: "must be positive",
		})
	}
	if o.DefaultAgentTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.default_agent_timeout_seconds",
			Value:   o.DefaultAgentTimeoutSeconds,
			Message: "must be positive",
		})
	}
	if o.LivenessMissThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.liveness_miss_threshold",
			Value:   o.LivenessMissThreshold,
			Message: "must be at least 1",
		})
	}
	if o.StaleCompletionSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.stale_completion_seconds",
			Value:   o.StaleCompletionSeconds,
			Message: "must be non-negative",
		})
	}
	if !slices.Contains(ValidTimeoutActions(), o.TimeoutAction) {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.timeout_action",
			Value:   o.TimeoutAction,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTimeoutActions(), ", ")),
		})
	}
	return errors
}

func (c *Config) validateAgents() []ValidationError {
	var errors []ValidationError
	if len(c.Agents.Tools) == 0 {
		errors = append(errors, ValidationError{
			Field:   "agents.tools",
			Value:   0,
			Message: "at least one launcher tool is required",
		})
	}
	seen := make(map[string]bool)
	for i, tool := range c.Agents.Tools {
		field := fmt.Sprintf("agents.tools[%d]", i)
		if strings.TrimSpace(tool.Name) == "" {
			errors = append(errors, ValidationError{Field: field + ".name", Value: tool.Name, Message: "must not be empty"})
		} else if seen[tool.Name] {
			errors = append(errors, ValidationError{Field: field + ".name", Value: tool.Name, Message: "duplicate tool name"})
		}
		seen[tool.Name] = true
		if strings.TrimSpace(tool.Command) == "" {
			errors = append(errors, ValidationError{Field: field + ".command", Value: tool.Command, Message: "must not be empty"})
		}
	}
	for role, secs := range c.Agents.RoleTimeoutSeconds {
		if secs <= 0 {
			errors = append(errors, ValidationError{
				Field:   "agents.role_timeout_seconds." + role,
				Value:   secs,
				Message: "must be positive",
			})
		}
	}
	return errors
}

func (c *Config) validateAlerts() []ValidationError {
	var errors []ValidationError
	if c.Alerts.WebhookURL != "" {
		u, err := url.Parse(c.Alerts.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "alerts.webhook_url",
				Value:   c.Alerts.WebhookURL,
				Message: "must be an http(s) URL",
			})
		}
	}
	if c.Alerts.TimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "alerts.timeout_seconds",
			Value:   c.Alerts.TimeoutSeconds,
			Message: "must be positive",
		})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
