package orchestrator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
)

// logNamePattern matches <tool>_<workItem>_<YYYYMMDD>_<HHMMSS>.log.
var logNamePattern = regexp.MustCompile(`^([A-Za-z0-9-]+)_(.+)_(\d{8})_(\d{6})\.log$`)

// LogTimeLayout is the timestamp layout inside agent log names.
const LogTimeLayout = "20060102_150405"

// AgentLog is an agent activity log found under a nexus tasks tree.
type AgentLog struct {
	Path       string
	Tool       string
	WorkItemID string
	ModTime    time.Time
}

// LogFileName returns the log name for an agent started at t.
func LogFileName(tool, workItemID string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.log", tool, workItemID, t.Format(LogTimeLayout))
}

// ParseLogName extracts the tool and work item from a log file name.
func ParseLogName(name string) (tool, workItemID string, ok bool) {
	m := logNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// FindAgentLogs walks root for **/<nexusDir>/tasks/*/logs/*.log and returns
// the newest log per work item, sorted by work item.
func FindAgentLogs(root, nexusDir string) ([]AgentLog, error) {
	newest := make(map[string]AgentLog)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && strings.HasPrefix(name, ".") && name != nexusDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !isAgentLogPath(path, nexusDir) {
			return nil
		}
		tool, w, ok := ParseLogName(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		cur, seen := newest[w]
		if !seen || info.ModTime().After(cur.ModTime) {
			newest[w] = AgentLog{Path: path, Tool: tool, WorkItemID: w, ModTime: info.ModTime()}
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk agent logs: %w", err)
	}

	logs := make([]AgentLog, 0, len(newest))
	for _, l := range newest {
		logs = append(logs, l)
	}
	sort.Slice(logs, func(i, j int) bool {
		return completion.LessWorkItem(logs[i].WorkItemID, logs[j].WorkItemID)
	})
	return logs, nil
}

// isAgentLogPath reports whether path ends in <nexusDir>/tasks/<project>/logs/<file>.
func isAgentLogPath(path, nexusDir string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	n := len(parts)
	if n < 5 {
		return false
	}
	return parts[n-2] == "logs" && parts[n-4] == "tasks" && parts[n-5] == nexusDir
}
