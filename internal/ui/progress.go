// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/cardinalhq/tracesort/internal/helpers"
	"github.com/cardinalhq/tracesort/internal/sortjob"
)

type progressModel struct {
	title   string
	events  <-chan sortjob.Progress
	spinner spinner.Model
	prog    progress.Model
	last    sortjob.Progress
	seen    bool
	width   int
	done    bool
}

type eventMsg sortjob.Progress
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders sort progress
// until events is closed.
func NewProgressModel(title string, events <-chan sortjob.Progress) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(sortjob.Progress(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := truncate(m.title, m.width-16)
	if m.seen {
		header = fmt.Sprintf("%s (%s)", header, m.last.Phase)
	}
	if m.done {
		header = fmt.Sprintf("%s: %s", m.last.State, header)
	} else {
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")
	if m.seen {
		b.WriteString("  ")
		b.WriteString(styleState(m.last.State).Render(m.counters()))
		b.WriteString("\n\n")
	}
	if m.done && m.last.State == sortjob.StateCompleted {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *progressModel) counters() string {
	p := m.last
	switch p.Phase {
	case sortjob.PhaseBuild:
		return fmt.Sprintf("read %s of %s, %d records, %d runs",
			helpers.FormatBytes(p.BytesRead), helpers.FormatBytes(p.SourceBytes),
			p.RecordsRead, p.RunsWritten)
	case sortjob.PhaseMerge:
		return fmt.Sprintf("merged %d of %d records from %d runs",
			p.RecordsMerged, p.RecordsSpilled, p.RunsWritten)
	default:
		return fmt.Sprintf("%d records read, %d merged", p.RecordsRead, p.RecordsMerged)
	}
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(p sortjob.Progress) tea.Cmd {
	m.last = p
	m.seen = true
	return m.prog.SetPercent(p.Percent / 100)
}

func styleState(state sortjob.State) lipgloss.Style {
	switch state {
	case sortjob.StateCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case sortjob.StateFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case sortjob.StateCancelled:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
