package completion

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CommentFooter closes every automated completion comment.
const CommentFooter = "_Automated comment from agentwarden._"

var titleCaser = cases.Title(language.Und)

// DisplayRole returns the role name as shown to humans ("code-reviewer"
// becomes "Code-Reviewer").
func DisplayRole(role string) string {
	return titleCaser.String(strings.TrimPrefix(strings.TrimSpace(role), "@"))
}

// BuildComment renders s as the Markdown comment posted to the work item.
func BuildComment(s *Summary) string {
	sections := []string{"### ✅ Agent Completed"}

	if text := budgetText(s.Summary, SummaryMaxChars); text != "" {
		sections = append(sections, "**Summary:** "+text)
	}
	if s.Status != "" && s.Status != DefaultStatus {
		sections = append(sections, "**Status:** "+s.Status)
	}

	if findings := s.KeyFindings; len(findings) > 0 {
		var b strings.Builder
		b.WriteString("**Key Findings:**")
		for _, f := range findings {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
		sections = append(sections, b.String())
	}

	if len(s.EffortBreakdown) > 0 {
		var b strings.Builder
		b.WriteString("**Effort Breakdown:**")
		for i, item := range s.EffortBreakdown {
			if i >= EffortMaxItems {
				break
			}
			b.WriteString("\n- ")
			b.WriteString(item.Task)
			b.WriteString(": ")
			b.WriteString(item.Effort)
		}
		sections = append(sections, b.String())
	}

	if verdict := budgetText(s.Verdict, VerdictMaxChars); verdict != "" {
		sections = append(sections, "**Verdict:** "+verdict)
	}

	if s.NextAgent != "" && !s.IsWorkflowDone() {
		sections = append(sections, "**Next:** Ready for `@"+DisplayRole(s.NextAgent)+"`")
	}

	sections = append(sections, CommentFooter)
	return strings.Join(sections, "\n\n")
}
