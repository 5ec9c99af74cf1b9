package dashboard

import "github.com/charmbracelet/lipgloss"

// Palette
var (
	Primary   = lipgloss.Color("#FF6B35")
	Secondary = lipgloss.Color("#1E88E5")
	Success   = lipgloss.Color("#4CAF50")
	Warning   = lipgloss.Color("#FFB74D")
	Error     = lipgloss.Color("#F44336")

	Text       = lipgloss.Color("#E0E0E0")
	TextBright = lipgloss.Color("#FFFFFF")
	Muted      = lipgloss.Color("#90A4AE")

	PanelBg    = lipgloss.Color("#161B26")
	HeaderBg   = lipgloss.Color("#1C2128")
	BorderDark = lipgloss.Color("#30363D")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(TextBright).
			Background(HeaderBg).
			Padding(0, 2).
			Bold(true).
			Align(lipgloss.Center).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderDark).
			Foreground(Text).
			Padding(0, 1)

	PanelTitleStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	LabelStyle = lipgloss.NewStyle().Foreground(Muted)
	ValueStyle = lipgloss.NewStyle().Foreground(TextBright).Bold(true)

	AlertStyle = lipgloss.NewStyle().Foreground(Error).Bold(true)
	HelpStyle  = lipgloss.NewStyle().Foreground(Muted).Italic(true)

	cellStyle = lipgloss.NewStyle().
			Width(9).
			Align(lipgloss.Center).
			Border(lipgloss.NormalBorder()).
			BorderForeground(BorderDark)
)

// tierColors maps quality tiers to cell colors, best first. Tiers past the
// end use the last color.
var tierColors = []lipgloss.Color{Success, Warning, Error}

func tierStyle(quality int, visible bool) lipgloss.Style {
	c := tierColors[len(tierColors)-1]
	if quality >= 0 && quality < len(tierColors) {
		c = tierColors[quality]
	}
	s := cellStyle.Foreground(c)
	if visible {
		s = s.BorderForeground(Secondary).Bold(true)
	}
	return s
}
