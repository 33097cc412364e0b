package monitor

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")
	selectedFg   = lipgloss.Color("255")
	selectedBg   = lipgloss.Color("237")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	errorTextStyle = lipgloss.NewStyle().Foreground(errorColor)
	noticeStyle    = lipgloss.NewStyle().Foreground(successColor)

	stateStyles = map[string]lipgloss.Style{
		"idle":      lipgloss.NewStyle().Foreground(mutedColor),
		"caught-up": lipgloss.NewStyle().Foreground(successColor),
		"draining":  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"pending":   lipgloss.NewStyle().Foreground(warningColor),
		"error":     lipgloss.NewStyle().Foreground(errorColor).Bold(true),
	}
)

// formatState renders an attempt state with color
func formatState(s string) string {
	style, ok := stateStyles[s]
	if !ok {
		return s
	}
	return style.Render(s)
}
