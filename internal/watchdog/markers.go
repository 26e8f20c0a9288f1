package watchdog

import "strings"

// Markers decides whether a log tail shows quota exhaustion. A tail matches
// when it contains at least one Quota marker and at least one Confirm marker;
// the second set separates a real failure loop from a log that merely
// mentions rate limits.
type Markers struct {
	Quota   []string
	Confirm []string
}

// Match reports whether text (compared case-insensitively) matches.
func (m Markers) Match(text string) bool {
	if text == "" {
		return false
	}
	text = strings.ToLower(text)
	return containsAny(text, m.Quota) && containsAny(text, m.Confirm)
}

func containsAny(text string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// DefaultMarkers returns the built-in marker sets per launcher tool.
func DefaultMarkers() map[string]Markers {
	return map[string]Markers{
		"copilot": {
			Quota:   []string{"402", "429", "quota", "rate limit", "ratelimit", "too many requests"},
			Confirm: []string{"total session time", "total usage est", "api time spent"},
		},
		"gemini": {
			Quota: []string{
				"retryablequotaerror", "exhausted your capacity", "quota will reset",
				"status: 429", "status 429", "too many requests", "no capacity available",
			},
			Confirm: []string{"retrying after", "attempt 1 failed", "attempt 2 failed"},
		},
		"codex": {
			Quota: []string{
				"429", "too many requests", "rate limit", "ratelimit", "quota",
				"insufficient_quota", "retryablequotaerror", "exhausted your capacity",
			},
			Confirm: []string{"retrying after", "attempt 1 failed", "attempt 2 failed", "retry"},
		},
		"claude": {
			Quota:   []string{"usage limit reached", "rate_limit_error", "overloaded_error", "429"},
			Confirm: []string{"retrying", "limit will reset", "try again"},
		},
	}
}
