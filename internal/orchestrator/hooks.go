package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/process"
)

// DefaultHooks supplies the optional AgentRuntime methods. Embed it in a host
// runtime and override what the host knows better.
type DefaultHooks struct{}

// WorkflowState reports no control state.
func (DefaultHooks) WorkflowState(context.Context, string) WorkflowState { return "" }

// ShouldRetryDeadAgent always allows.
func (DefaultHooks) ShouldRetryDeadAgent(context.Context, string, string) bool { return true }

// IsProcessRunning reports false so completions are processed immediately.
func (DefaultHooks) IsProcessRunning(context.Context, string) bool { return false }

// CheckLogTimeout compares the log's modification time against timeout. The
// PID is unknown.
func (DefaultHooks) CheckLogTimeout(_ context.Context, _ string, logFile string, timeout time.Duration) (bool, int) {
	info, err := os.Stat(logFile)
	if err != nil {
		return false, 0
	}
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	return time.Since(info.ModTime()) > timeout, 0
}

// NotifyTimeout does nothing.
func (DefaultHooks) NotifyTimeout(context.Context, string, string, bool) {}

// ExpectedRunningAgent reports no expectation.
func (DefaultHooks) ExpectedRunningAgent(context.Context, string) string { return "" }

// AgentTimeout defers to the orchestrator default.
func (DefaultHooks) AgentTimeout(context.Context, string, string) time.Duration { return 0 }

// PostCompletionComment succeeds without posting anything.
func (DefaultHooks) PostCompletionComment(context.Context, string, string, string) bool { return true }

// LatestIssueLog reports no log.
func (DefaultHooks) LatestIssueLog(context.Context, string) string { return "" }

// IsPIDAlive probes pid with signal 0.
func (DefaultHooks) IsPIDAlive(pid int) bool { return process.IsAlive(pid) }

// KillProcess sends SIGTERM to pid and its children.
func (DefaultHooks) KillProcess(pid int) bool { return process.Terminate(pid) == nil }
