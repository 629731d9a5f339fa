package monitor

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF5F5F")
	colorGreen  = lipgloss.Color("#5FFF87")
	colorYellow = lipgloss.Color("#FFD75F")
	colorCyan   = lipgloss.Color("#5FD7FF")
	colorGray   = lipgloss.Color("#808080")
	colorWhite  = lipgloss.Color("#FFFFFF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	liveBadgeStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	pausedBadgeStyle = lipgloss.NewStyle().
				Foreground(colorYellow).
				Bold(true)

	endedBadgeStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	offlineStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	stuckStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	footerDescStyle = lipgloss.NewStyle().
			Foreground(colorGray)
)
