package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#cad3f5")).
			Background(lipgloss.Color("#363a4f")).
			Padding(0, 1)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#a5adcb")).
			Background(lipgloss.Color("#363a4f")).
			Padding(0, 1)

	inputStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8aadf4"))
	stdoutStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#cad3f5"))
	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ed8796"))
	metaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e738d")).Italic(true)

	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#eed49f"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6da95"))
)
