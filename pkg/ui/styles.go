package ui

import "github.com/charmbracelet/lipgloss"

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	pendingStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	failedStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	streamingStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	statusStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	statusWarnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("124")).Padding(0, 1)
	noticeStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Italic(true)
	emptyStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
)
