package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

func transitionMessage(workItemID, completed, next, repo string) string {
	return fmt.Sprintf("🔀 Chaining %s: %s → %s (%s)", workItemID, completed, next, repo)
}

func chainFailedMessage(workItemID, completed, next string) string {
	return fmt.Sprintf("❌ Auto-chain failed for work item %s: could not launch %s after %s", workItemID, next, completed)
}

func commentBlockedMessage(workItemID, role string) string {
	return fmt.Sprintf("⚠️ Completion detected but comment delivery failed; auto-chain blocked for work item %s (%s).", workItemID, role)
}

func alertOnlyTimeoutMessage(workItemID, role string) string {
	return fmt.Sprintf("⚠️ Agent timeout detected for work item %s (%s); timeout_action=alert_only so no kill or retry was attempted.", workItemID, role)
}

func orphanMessage(workItemID, role string, willRetry bool) string {
	if willRetry {
		return fmt.Sprintf("⚠️ **Orphaned Running Step Detected**\n\n"+
			"Work item: %s\nAgent: %s\n"+
			"Status: RUNNING in workflow but no live process or tracker entry; retry scheduled",
			workItemID, role)
	}
	return fmt.Sprintf("❌ **Orphaned Running Step — Manual Intervention Required**\n\n"+
		"Work item: %s\nAgent: %s\n"+
		"Status: RUNNING in workflow but no live process or tracker entry\n"+
		"Action: retry limit reached",
		workItemID, role)
}

func crashedRetryMessage(workItemID, role string, pid int, tool, logPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💀 **Agent Crashed → Retrying**\n\n")
	fmt.Fprintf(&b, "Work item: %s\nAgent: %s (PID %d, tool: %s)\n", workItemID, role, pid, tool)
	b.WriteString("Status: Process exited without completion, retry scheduled")
	if logPath != "" {
		fmt.Fprintf(&b, "\nLog: %s", logPath)
	}
	return b.String()
}

func crashedManualMessage(workItemID, role string, pid int, logPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💀 **Agent Crashed → Manual Intervention**\n\n")
	fmt.Fprintf(&b, "Work item: %s\nAgent: %s (PID %d)\n", workItemID, role, pid)
	b.WriteString("Status: Process exited without completion, max retries reached\n\n")
	if logPath != "" {
		fmt.Fprintf(&b, "Log: %s\n", logPath)
	}
	b.WriteString("Reset the retry fuse and relaunch to retry")
	return b.String()
}

func minutes(d time.Duration) int {
	return int(d.Round(time.Minute).Minutes())
}
