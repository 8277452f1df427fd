package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"kiln/internal/buildpipeline"
)

const statusColumn = 10

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	idleStyle   = lipgloss.NewStyle().Faint(true)
)

func styleFor(state buildpipeline.Status) lipgloss.Style {
	switch state {
	case buildpipeline.StatusDone:
		return doneStyle
	case buildpipeline.StatusError:
		return errorStyle
	case buildpipeline.StatusWorking:
		return activeStyle
	}
	return idleStyle
}

func (m *progressModel) header() string {
	h := m.title
	if m.phase != "" {
		h += " (" + m.phase + ")"
	}
	finished := 0
	for i := range m.rows {
		if m.rows[i].finished() {
			finished++
		}
	}
	switch {
	case m.done && m.failed > 0:
		return "failed: " + h
	case m.done:
		return "done: " + h
	}
	return fmt.Sprintf("%s %s [%d/%d]", m.spin.View(), h, finished, len(m.rows))
}

func (m *progressModel) View() string {
	if len(m.rows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.header()))
	b.WriteString("\n\n")

	width := max(m.width-statusColumn-4, 20)
	for i := range m.rows {
		r := &m.rows[i]
		status := styleFor(r.state).Render(fmt.Sprintf("%*s", statusColumn, r.label()))
		line := r.triple
		if r.state == buildpipeline.StatusDone && r.elapsed > 0 {
			line += idleStyle.Render(" " + r.elapsed.Round(time.Millisecond).String())
		}
		fmt.Fprintf(&b, "  %s %s\n", status, truncate(line, width))
		if r.err != nil {
			msg, _, _ := strings.Cut(r.err.Error(), "\n")
			fmt.Fprintf(&b, "  %*s %s\n", statusColumn, "", errorStyle.Render(truncate(msg, width)))
		}
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.bar.ViewAs(1))
	} else {
		b.WriteString(m.bar.View())
	}
	b.WriteString("\n")
	return b.String()
}

// truncate shortens value to width display cells, marking the cut with
// an ellipsis when there is room for one.
func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
