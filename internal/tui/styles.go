package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981") // own messages
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")
	activeBorder   = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	avatarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(activeBorder).
			Bold(true)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(secondaryColor).
				Bold(true).
				PaddingLeft(1).
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(secondaryColor)

	unselectedItemStyle = lipgloss.NewStyle().
				PaddingLeft(2)
)
