package watch

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles of the watch view
type Styles struct {
	Title    lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Pending  lipgloss.Style
	Online   lipgloss.Style
	Offline  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Subtle   lipgloss.Style
	Box      lipgloss.Style
	EventRow lipgloss.Style
}

// DefaultStyles returns the Gruvbox-inspired styles used by the view
func DefaultStyles() Styles {
	var (
		green  = lipgloss.AdaptiveColor{Light: "#98971a", Dark: "#b8bb26"}
		yellow = lipgloss.AdaptiveColor{Light: "#d79921", Dark: "#fabd2f"}
		red    = lipgloss.AdaptiveColor{Light: "#cc241d", Dark: "#fb4934"}
		aqua   = lipgloss.AdaptiveColor{Light: "#689d6a", Dark: "#8ec07c"}
		subtle = lipgloss.AdaptiveColor{Light: "#928374", Dark: "#7c6f64"}
		border = lipgloss.AdaptiveColor{Light: "#bdae93", Dark: "#504945"}
	)

	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(aqua).MarginBottom(1),
		Label:    lipgloss.NewStyle().Foreground(subtle).Width(12),
		Value:    lipgloss.NewStyle().Bold(true),
		Pending:  lipgloss.NewStyle().Foreground(yellow),
		Online:   lipgloss.NewStyle().Foreground(green),
		Offline:  lipgloss.NewStyle().Foreground(red),
		Warning:  lipgloss.NewStyle().Foreground(yellow).Bold(true),
		Error:    lipgloss.NewStyle().Foreground(red),
		Subtle:   lipgloss.NewStyle().Foreground(subtle),
		Box:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		EventRow: lipgloss.NewStyle().PaddingLeft(1),
	}
}
