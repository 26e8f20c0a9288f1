package completion

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/errors"
	"github.com/Iron-Ham/agentwarden/internal/logging"
)

const (
	summaryPrefix = "completion_summary_"
	summarySuffix = ".json"
)

// SummaryFileName returns the file name an agent writes for workItemID.
func SummaryFileName(workItemID string) string {
	return summaryPrefix + workItemID + summarySuffix
}

// Detected is a completion summary discovered by a scan.
type Detected struct {
	// Location is the file path, or db://<row id> for the SQLite backend.
	Location   string
	WorkItemID string
	Summary    *Summary
	// ModTime is when the summary was written (file mtime or row time).
	ModTime time.Time
}

// DedupKey identifies this completion for at-most-once processing:
// "{workItemID}:{agentRole}:{basename(Location)}".
func (d Detected) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", d.WorkItemID, d.Summary.AgentRole, filepath.Base(d.Location))
}

type candidate struct {
	path    string
	modTime time.Time
}

// Scan walks root for {nexusDir}/tasks/<project>/completions/completion_summary_<id>.json
// files and returns at most one Detected per work item, sorted by work item.
// When a work item has several files the newest is used; a corrupt file is
// skipped and the next newest candidate tried.
func Scan(root, nexusDir string, logger *logging.Logger) ([]Detected, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStoreError("scan", "filesystem", err).WithPath(root)
	}

	groups := make(map[string][]candidate)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
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
		workItemID, ok := matchSummaryPath(path, nexusDir)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		groups[workItemID] = append(groups[workItemID], candidate{path: path, modTime: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, errors.NewStoreError("scan", "filesystem", walkErr).WithPath(root)
	}

	var results []Detected
	for workItemID, cands := range groups {
		sort.Slice(cands, func(i, j int) bool { return cands[i].modTime.After(cands[j].modTime) })
		for _, c := range cands {
			data, err := os.ReadFile(c.path)
			if err != nil {
				logger.Warn("unreadable completion summary", "path", c.path, "error", err)
				continue
			}
			summary, err := ParseSummary(data)
			if err != nil {
				logger.Warn("corrupt completion summary, trying older candidate",
					"path", c.path,
					"work_item", workItemID,
					"candidates", len(cands),
					"error", err,
				)
				continue
			}
			results = append(results, Detected{
				Location:   c.path,
				WorkItemID: workItemID,
				Summary:    summary,
				ModTime:    c.modTime,
			})
			break
		}
	}

	SortByWorkItem(results)
	return results, nil
}

// matchSummaryPath reports whether path is a completion summary inside
// {nexusDir}/tasks/<project>/completions and returns its work item id.
func matchSummaryPath(path, nexusDir string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, summaryPrefix) || !strings.HasSuffix(name, summarySuffix) {
		return "", false
	}
	workItemID := strings.TrimSuffix(strings.TrimPrefix(name, summaryPrefix), summarySuffix)
	if workItemID == "" {
		return "", false
	}
	if filepath.Base(filepath.Dir(path)) != "completions" || ProjectFromLocation(path, nexusDir) == "" {
		return "", false
	}
	return workItemID, true
}

// ProjectFromLocation returns <project> for paths of the form
// .../{nexusDir}/tasks/<project>/<kind>/<file>, or "" otherwise.
func ProjectFromLocation(path, nexusDir string) string {
	kindDir := filepath.Dir(path)
	projectDir := filepath.Dir(kindDir)
	tasksDir := filepath.Dir(projectDir)
	if filepath.Base(tasksDir) != "tasks" || filepath.Base(filepath.Dir(tasksDir)) != nexusDir {
		return ""
	}
	project := filepath.Base(projectDir)
	if project == "." || project == string(filepath.Separator) {
		return ""
	}
	return project
}

// SortByWorkItem orders completions by work item id, numerically when both
// ids are integers.
func SortByWorkItem(ds []Detected) {
	sort.SliceStable(ds, func(i, j int) bool {
		return LessWorkItem(ds[i].WorkItemID, ds[j].WorkItemID)
	})
}

// LessWorkItem compares work item ids for display ordering.
func LessWorkItem(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
