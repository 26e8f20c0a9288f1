// Package completion implements the completion protocol: the JSON summary an
// agent writes when it finishes a step, the scanner that discovers those
// summaries, the comment posted back to the work item, and the store facade
// that persists summaries on the filesystem or in SQLite.
package completion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Field budgets applied when a summary is parsed.
const (
	SummaryMaxChars     = 900
	FindingMaxChars     = 260
	FindingsMaxItems    = 8
	VerdictMaxChars     = 280
	EffortMaxItems      = 12
	EffortValueMaxChars = 180
	EffortKeyMaxChars   = 80
	TokenMaxChars       = 80
	StatusMaxChars      = 32
	ExtraStringMaxChars = 1200
)

// Defaults for fields an agent left out.
const (
	DefaultStatus    = "complete"
	DefaultAgentRole = "unknown"
)

const truncatedSuffix = " [truncated]"

var terminalValues = map[string]bool{
	"none":     true,
	"n/a":      true,
	"null":     true,
	"no":       true,
	"end":      true,
	"done":     true,
	"finish":   true,
	"complete": true,
	"":         true,
}

// IsTerminal reports whether a next-agent reference means "no further step".
// Matching is case-insensitive and ignores surrounding whitespace.
func IsTerminal(ref string) bool {
	return terminalValues[strings.ToLower(strings.TrimSpace(ref))]
}

// EffortItem is one entry of an agent's effort breakdown, kept in the order
// the agent wrote them.
type EffortItem struct {
	Task   string
	Effort string
}

// Summary is a parsed completion summary.
type Summary struct {
	Status          string
	AgentRole       string
	Summary         string
	KeyFindings     []string
	NextAgent       string
	Verdict         string
	EffortBreakdown []EffortItem
	// Raw holds the budgeted payload including fields this package does not
	// interpret.
	Raw map[string]any
}

// IsWorkflowDone reports whether the agent signalled that no further agent
// should run.
func (s *Summary) IsWorkflowDone() bool {
	return IsTerminal(s.NextAgent)
}

// Outputs returns the payload handed to the workflow engine when the step
// completes.
func (s *Summary) Outputs() map[string]any {
	out := make(map[string]any, len(s.Raw)+7)
	for k, v := range s.Raw {
		out[k] = v
	}
	out["status"] = s.Status
	out["agent_type"] = s.AgentRole
	out["summary"] = s.Summary
	out["key_findings"] = append([]string(nil), s.KeyFindings...)
	out["next_agent"] = s.NextAgent
	if s.Verdict != "" {
		out["verdict"] = s.Verdict
	} else {
		delete(out, "verdict")
	}
	if len(s.EffortBreakdown) > 0 {
		effort := make(map[string]any, len(s.EffortBreakdown))
		for _, item := range s.EffortBreakdown {
			effort[item.Task] = item.Effort
		}
		out["effort_breakdown"] = effort
	} else {
		delete(out, "effort_breakdown")
	}
	return out
}

// ParseSummary decodes a completion summary. Every field is optional; the
// only error is input that is not a JSON object. key_findings may be a string
// or an array, and effort_breakdown values of any JSON type are stringified.
func ParseSummary(data []byte) (*Summary, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode completion summary: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode completion summary: not a JSON object")
	}

	var effortOrder []string
	var probe struct {
		Effort json.RawMessage `json:"effort_breakdown"`
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		effortOrder = objectKeys(probe.Effort)
	}
	return fromMap(raw, effortOrder), nil
}

// FromMap builds a Summary from an already-decoded payload (for example a
// database row). Effort breakdown entries are ordered by task name.
func FromMap(payload map[string]any) *Summary {
	raw := make(map[string]any, len(payload))
	for k, v := range payload {
		raw[k] = v
	}
	return fromMap(raw, nil)
}

func fromMap(raw map[string]any, effortOrder []string) *Summary {
	s := &Summary{
		Status:      budgetToken(raw["status"], StatusMaxChars),
		AgentRole:   budgetToken(raw["agent_type"], TokenMaxChars),
		Summary:     budgetText(stringify(raw["summary"]), SummaryMaxChars),
		KeyFindings: normalizeFindings(raw["key_findings"]),
		NextAgent:   budgetToken(raw["next_agent"], TokenMaxChars),
		Verdict:     budgetText(stringify(raw["verdict"]), VerdictMaxChars),
	}
	if _, ok := raw["status"]; !ok || s.Status == "" {
		s.Status = DefaultStatus
	}
	if s.AgentRole == "" {
		s.AgentRole = DefaultAgentRole
	}
	s.EffortBreakdown = normalizeEffort(raw["effort_breakdown"], effortOrder)

	for k, v := range raw {
		if str, ok := v.(string); ok && utf8.RuneCountInString(str) > ExtraStringMaxChars {
			raw[k] = budgetText(str, ExtraStringMaxChars)
		}
		if n, ok := v.(json.Number); ok {
			raw[k] = numberValue(n)
		}
	}
	s.Raw = raw
	return s
}

func normalizeFindings(v any) []string {
	var items []any
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		items = t
	case []string:
		for _, s := range t {
			items = append(items, s)
		}
	default:
		items = []any{t}
	}

	var findings []string
	for _, item := range items {
		if f := budgetText(stringify(item), FindingMaxChars); f != "" {
			findings = append(findings, f)
		}
	}
	if len(findings) > FindingsMaxItems {
		omitted := len(findings) - FindingsMaxItems
		findings = append(findings[:FindingsMaxItems],
			fmt.Sprintf("... %d additional finding(s) omitted for budget.", omitted))
	}
	return findings
}

func normalizeEffort(v any, order []string) []EffortItem {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case map[string]string:
		m = make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
	default:
		return nil
	}

	keys := order
	if len(keys) != len(m) {
		keys = make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	var items []EffortItem
	for i, k := range keys {
		if i >= EffortMaxItems {
			break
		}
		task := budgetToken(k, EffortKeyMaxChars)
		effort := budgetText(stringify(m[k]), EffortValueMaxChars)
		if task != "" && effort != "" {
			items = append(items, EffortItem{Task: task, Effort: effort})
		}
	}
	return items
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(data json.RawMessage) []string {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil
		}
	}
	return keys
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool, float64, int, int64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// budgetText trims s and truncates it to max runes, marking the cut.
func budgetText(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	keep := max - utf8.RuneCountInString(truncatedSuffix)
	if keep <= 0 {
		return string(runes[:max])
	}
	return strings.TrimSpace(string(runes[:keep])) + truncatedSuffix
}

// budgetToken collapses whitespace and hard-cuts to max runes.
func budgetToken(v any, max int) string {
	s := strings.Join(strings.Fields(stringify(v)), " ")
	runes := []rune(s)
	if len(runes) > max {
		s = string(runes[:max])
	}
	return strings.TrimSpace(s)
}
