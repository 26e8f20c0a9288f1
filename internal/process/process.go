// Package process wraps the OS process probes the supervisor relies on:
// liveness checks, termination, and pattern lookups with pgrep.
package process

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultProbeTimeout bounds a single pgrep invocation.
const DefaultProbeTimeout = 2 * time.Second

// IsAlive reports whether pid exists. kill(pid, 0) returning EPERM means the
// process exists but belongs to another user, which still counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM to pid and to its descendants, children first.
// A process that is already gone is not an error.
func Terminate(pid int) error {
	return signalTree(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to pid and to its descendants.
func Kill(pid int) error {
	return signalTree(pid, unix.SIGKILL)
}

func signalTree(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	descendants := Descendants(pid)
	for i := len(descendants) - 1; i >= 0; i-- {
		_ = unix.Kill(descendants[i], sig)
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Descendants returns every descendant of pid found through pgrep -P,
// depth first.
func Descendants(pid int) []int {
	if pid <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	var all []int
	for _, child := range parsePIDs(string(out)) {
		all = append(all, child)
		all = append(all, Descendants(child)...)
	}
	return all
}

// FindPIDs returns the PIDs whose full command line matches pattern
// (pgrep -f). No match is an empty result, not an error.
func FindPIDs(ctx context.Context, pattern string) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return parsePIDs(string(out)), nil
}

func parsePIDs(out string) []int {
	var pids []int
	for _, line := range strings.Fields(out) {
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// ExpandPattern substitutes {work_item} and {role} in a probe pattern.
func ExpandPattern(format, workItemID, role string) string {
	r := strings.NewReplacer("{work_item}", workItemID, "{role}", role)
	return r.Replace(format)
}

// PatternProbe returns a launch-guard probe that reports "allowed" only when
// no process matching format (expanded for the work item and role) is
// running, other than the supervisor itself.
func PatternProbe(format string, self int) func(workItemID, role string) (bool, error) {
	return func(workItemID, role string) (bool, error) {
		pids, err := FindPIDs(context.Background(), ExpandPattern(format, workItemID, role))
		if err != nil {
			return false, err
		}
		for _, pid := range pids {
			if pid != self {
				return false, nil
			}
		}
		return true, nil
	}
}
