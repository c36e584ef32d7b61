// Package styles holds the lipgloss palette shared by the chainwatch TUI.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"chainwatch/internal/detection"
)

// Palette.
var (
	Accent     = lipgloss.Color("#2563EB")
	Good       = lipgloss.Color("#22C55E")
	Caution    = lipgloss.Color("#EAB308")
	Danger     = lipgloss.Color("#DC2626")
	MutedColor = lipgloss.Color("#94A3B8")
	Text       = lipgloss.Color("#F8FAFC")
)

var (
	Muted    = lipgloss.NewStyle().Foreground(MutedColor)
	Title    = lipgloss.NewStyle().Bold(true).Foreground(Accent).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Foreground(MutedColor).Underline(true)
	Help     = lipgloss.NewStyle().Foreground(MutedColor).MarginTop(1)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Accent).
		Padding(1, 2)

	StatusOK      = lipgloss.NewStyle().Foreground(Good).Bold(true)
	StatusWarning = lipgloss.NewStyle().Foreground(Caution).Bold(true)
	StatusError   = lipgloss.NewStyle().Foreground(Danger).Bold(true)

	TabActive   = lipgloss.NewStyle().Foreground(Text).Background(Accent).Padding(0, 2).Bold(true)
	TabInactive = lipgloss.NewStyle().Foreground(MutedColor).Padding(0, 2)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Accent).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)
	RowSelected = lipgloss.NewStyle().Foreground(Text).Background(Accent)

	Card = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Padding(0, 2).
		Width(20)
	MetricValue = lipgloss.NewStyle().Bold(true).Foreground(Good)
	MetricLabel = lipgloss.NewStyle().Foreground(MutedColor)
)

// Severity returns the style for an alert severity.
func Severity(sev detection.Severity) lipgloss.Style {
	switch sev {
	case detection.SeverityCritical:
		return StatusError
	case detection.SeverityWarning:
		return StatusWarning
	default:
		return Muted
	}
}

// Health returns the status dot and style for a health_status value.
func Health(status string) string {
	switch status {
	case "healthy":
		return StatusOK.Render("● HEALTHY")
	case "starting":
		return StatusWarning.Render("● STARTING")
	default:
		return StatusError.Render("● UNHEALTHY")
	}
}
