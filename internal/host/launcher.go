package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/logging"
	"github.com/Iron-Ham/agentwarden/internal/orchestrator"
)

// Tool is one agent CLI in the launcher's fallback chain. Args may contain
// {work_item}, {role} and {workspace}.
type Tool struct {
	Name    string
	Command string
	Args    []string
}

// LaunchSpec describes the agent to start.
type LaunchSpec struct {
	WorkItemID   string
	AgentRole    string
	Workspace    string
	LogDir       string
	ExcludeTools []string
}

// Launched identifies a started agent.
type Launched struct {
	PID     int
	Tool    string
	LogPath string
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Launched, error)
}

// ExecLauncher starts the first tool of its chain that is not excluded and
// starts successfully. Agents run in their own session so they survive the
// supervisor, with stdout and stderr written to
// {LogDir}/<tool>_<work item>_<YYYYMMDD>_<HHMMSS>.log.
type ExecLauncher struct {
	tools  []Tool
	now    func() time.Time
	logger *logging.Logger
}

// NewExecLauncher returns an ExecLauncher over tools, in fallback order.
func NewExecLauncher(tools []Tool, logger *logging.Logger) *ExecLauncher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ExecLauncher{tools: tools, now: time.Now, logger: logger.WithComponent("launcher")}
}

// Tools returns the tool names in fallback order.
func (l *ExecLauncher) Tools() []string {
	names := make([]string, len(l.tools))
	for i, t := range l.tools {
		names[i] = t.Name
	}
	return names
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Launched, error) {
	var errs []error
	for _, tool := range l.tools {
		if excluded(spec.ExcludeTools, tool.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Launched{}, err
		}
		res, err := l.start(tool, spec)
		if err == nil {
			return res, nil
		}
		l.logger.WithWorkItem(spec.WorkItemID).Warn("launcher tool failed, trying next",
			"tool", tool.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", tool.Name, err))
	}
	return Launched{}, fmt.Errorf("launch %s for work item %s (excluded %v): %w",
		spec.AgentRole, spec.WorkItemID, spec.ExcludeTools, errors.Join(append([]error{errors.ErrNoLauncher}, errs...)...))
}

func (l *ExecLauncher) start(tool Tool, spec LaunchSpec) (Launched, error) {
	if err := os.MkdirAll(spec.LogDir, 0o755); err != nil {
		return Launched{}, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(spec.LogDir, orchestrator.LogFileName(tool.Name, spec.WorkItemID, l.now()))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Launched{}, fmt.Errorf("open agent log: %w", err)
	}
	defer logFile.Close()

	r := strings.NewReplacer(
		"{work_item}", spec.WorkItemID,
		"{role}", spec.AgentRole,
		"{workspace}", spec.Workspace,
	)
	args := make([]string, len(tool.Args))
	for i, a := range tool.Args {
		args[i] = r.Replace(a)
	}

	// The agent must outlive ctx and the supervisor, so no CommandContext.
	cmd := exec.Command(tool.Command, args...)
	cmd.Dir = spec.Workspace
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"AGENTWARDEN_WORK_ITEM="+spec.WorkItemID,
		"AGENTWARDEN_AGENT_ROLE="+spec.AgentRole,
		"AGENTWARDEN_TOOL="+tool.Name,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = os.Remove(logPath)
		return Launched{}, err
	}
	// Reap the child so an exited agent does not linger as a zombie that
	// still answers signal 0.
	go func() { _ = cmd.Wait() }()

	return Launched{PID: cmd.Process.Pid, Tool: tool.Name, LogPath: logPath}, nil
}

func excluded(list []string, tool string) bool {
	return slices.ContainsFunc(list, func(t string) bool {
		return strings.EqualFold(strings.TrimSpace(t), tool)
	})
}
