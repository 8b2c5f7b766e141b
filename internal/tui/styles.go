package tui

import "github.com/charmbracelet/lipgloss"

// Styles are the lipgloss styles of the presenter.
type Styles struct {
	Title   lipgloss.Style
	Faint   lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Spinner lipgloss.Style
	Box     lipgloss.Style
}

func defaultStyles() Styles {
	base := lipgloss.NewStyle()
	return Styles{
		Title:   base.Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		Faint:   base.Faint(true),
		Info:    base.Foreground(lipgloss.Color("#D1D5DB")),
		Success: base.Foreground(lipgloss.Color("#22C55E")),
		Error:   base.Foreground(lipgloss.Color("#EF4444")),
		Warning: base.Foreground(lipgloss.Color("#F59E0B")),
		Spinner: base.Foreground(lipgloss.Color("#22D3EE")),
		Box:     base.Padding(0, 1),
	}
}
