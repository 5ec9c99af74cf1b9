// Package dashboard renders a live terminal view of one streaming session:
// the tile grid colored by quality tier, the gaze, and the bandwidth and
// buffer figures.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/tilestream/internal/engine"
)

// Snapshot is everything one frame of the dashboard shows.
type Snapshot struct {
	Status    engine.Status
	Cols      int
	Rows      int
	LinkKbps  float64
	Elapsed   time.Duration
	Rebuffers int
}

// Source produces the current snapshot. It is called on every tick.
type Source func() Snapshot

// LinkControl scales the simulated link rate by factor.
type LinkControl func(factor float64)

type tickMsg time.Time

// Model is the bubbletea model of the dashboard.
type Model struct {
	title    string
	source   Source
	link     LinkControl
	interval time.Duration

	snap     Snapshot
	width    int
	quitting bool
}

// NewModel creates a dashboard refreshed every interval. link may be nil.
func NewModel(title string, source Source, link LinkControl, interval time.Duration) *Model {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Model{title: title, source: source, link: link, interval: interval, snap: source()}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tickEvery(m.interval)
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "+", "=":
			if m.link != nil {
				m.link(1.25)
			}
		case "-", "_":
			if m.link != nil {
				m.link(0.8)
			}
		}
		m.snap = m.source()
		return m, nil

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		m.snap = m.source()
		return m, tickEvery(m.interval)
	}

	return m, nil
}

// View implements tea.Model
func (m *Model) View() string {
	if m.quitting {
		return "Shutting down dashboard...\n"
	}

	header := HeaderStyle.Render(m.title)
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.renderGrid(), " ", m.renderStats())
	help := HelpStyle.Render("+/- link rate   q quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, body, help) + "\n"
}

func (m *Model) renderGrid() string {
	byID := make(map[int]engine.TileDecision, len(m.snap.Status.Tiles))
	for _, d := range m.snap.Status.Tiles {
		byID[d.TileID] = d
	}

	rows := make([]string, 0, m.snap.Rows)
	for v := 0; v < m.snap.Rows; v++ {
		cells := make([]string, 0, m.snap.Cols)
		for h := 0; h < m.snap.Cols; h++ {
			id := v*m.snap.Cols + h
			d, ok := byID[id]
			if !ok {
				cells = append(cells, cellStyle.Render(fmt.Sprintf("%d\n-", id)))
				continue
			}
			mark := ""
			if d.Visible {
				mark = "*"
			}
			if d.Starved {
				mark += "!"
			}
			cells = append(cells, tierStyle(d.Quality, d.Visible).Render(fmt.Sprintf("%d%s\nq%d", id, mark, d.Quality)))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	title := PanelTitleStyle.Render("Tiles")
	return PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, append([]string{title}, rows...)...))
}

func (m *Model) renderStats() string {
	st := m.snap.Status
	line := func(label, value string) string {
		return LabelStyle.Render(fmt.Sprintf("%-10s", label)) + ValueStyle.Render(value)
	}

	lines := []string{
		PanelTitleStyle.Render("Session"),
		line("state", st.State),
		line("gaze", fmt.Sprintf("yaw %.0f° pitch %.0f°", st.Viewport.Yaw, st.Viewport.Pitch)),
		line("estimate", fmt.Sprintf("%.0f kbps", st.EstimateKbps)),
		line("buffer", fmt.Sprintf("%d ms / %s", st.BufferedMs, formatBytes(st.BufferedBytes))),
		line("requests", fmt.Sprintf("%d in flight, %d queued", st.InFlight, st.Pending)),
		line("rebuffers", fmt.Sprintf("%d", m.snap.Rebuffers)),
		line("elapsed", m.snap.Elapsed.Truncate(time.Second).String()),
	}
	if m.snap.LinkKbps > 0 {
		lines = append(lines, line("link", fmt.Sprintf("%.0f kbps", m.snap.LinkKbps)))
	}
	if st.Rebuffering {
		lines = append(lines, AlertStyle.Render("REBUFFERING"))
	}
	if st.Error != "" {
		lines = append(lines, AlertStyle.Render(st.Error))
	}
	return PanelStyle.Render(strings.Join(lines, "\n"))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
