package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// uiRow is one rendered event in the viewer.
type uiRow struct {
	Datetime string
	Message  string
}

var (
	uiHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D4AA"))

	uiTimeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	uiFooterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

// viewerModel is the bubbletea model for the scrollable results viewer.
type viewerModel struct {
	rows     []uiRow
	viewport viewport.Model
	ready    bool
	timeCol  int
}

func newViewerModel(rows []uiRow) viewerModel {
	timeCol := 0
	for _, r := range rows {
		if len(r.Datetime) > timeCol {
			timeCol = len(r.Datetime)
		}
	}
	return viewerModel{rows: rows, timeCol: timeCol}
}

func (m viewerModel) Init() tea.Cmd {
	return nil
}

func (m viewerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.SetContent(m.content())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m viewerModel) View() string {
	if !m.ready {
		return "loading..."
	}
	header := uiHeaderStyle.Render(fmt.Sprintf("%-*s  %s", m.timeCol, "Timestamp", "Message"))
	footer := uiFooterStyle.Render(fmt.Sprintf("%d events  ↑/↓ scroll  q quit  %3.f%%", len(m.rows), m.viewport.ScrollPercent()*100))
	return header + "\n" + m.viewport.View() + "\n" + footer
}

func (m viewerModel) content() string {
	var b strings.Builder
	for _, r := range m.rows {
		b.WriteString(uiTimeStyle.Render(fmt.Sprintf("%-*s", m.timeCol, r.Datetime)))
		b.WriteString("  ")
		b.WriteString(r.Message)
		b.WriteByte('\n')
	}
	return b.String()
}

// runViewer opens the viewer over the collected rows and blocks until
// the user quits.
func runViewer(rows []uiRow) error {
	_, err := tea.NewProgram(newViewerModel(rows), tea.WithAltScreen()).Run()
	return err
}
