package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	okColor      = lipgloss.Color("#10B981") // Green
	warnColor    = lipgloss.Color("#F59E0B") // Amber
	errColor     = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(mutedColor)
	okStyle     = lipgloss.NewStyle().Foreground(okColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	errStyle    = lipgloss.NewStyle().Foreground(errColor).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

// renderTable lays rows out in padded columns under a bold header.
// Cells may already carry lipgloss styling.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != nil {
				cell = style.Render(cell)
			}
			sb.WriteString(cell)
			if i < len(widths)-1 {
				sb.WriteString(strings.Repeat(" ", w-lipgloss.Width(cell)+2))
			}
		}
		sb.WriteString("\n")
	}
	writeRow(headers, &headerStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return sb.String()
}

// stateStyle colours a workflow state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "ACTIVE":
		return okStyle
	case "PAUSED", "STOPPED":
		return warnStyle
	case "FAILED", "CANCELLED":
		return errStyle
	default:
		return mutedStyle
	}
}
