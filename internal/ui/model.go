// Package ui renders build progress in the terminal.
package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kiln/internal/buildpipeline"
)

// row is one target triple on screen.
type row struct {
	triple  string
	stage   buildpipeline.Stage
	state   buildpipeline.Status
	err     error
	elapsed time.Duration
}

func (r *row) finished() bool {
	return r.state == buildpipeline.StatusDone || r.state == buildpipeline.StatusError
}

// label is the word shown in the status column.
func (r *row) label() string {
	if r.state == buildpipeline.StatusWorking {
		return stageVerb[r.stage]
	}
	return string(r.state)
}

// stageWeight is the share of a target's work done once a stage starts.
var stageWeight = map[buildpipeline.Stage]float64{
	buildpipeline.StageLower: 0.2,
	buildpipeline.StageEmit:  0.5,
	buildpipeline.StageStubs: 0.7,
	buildpipeline.StageLink:  0.85,
	buildpipeline.StagePack:  0.95,
}

var stageVerb = map[buildpipeline.Stage]string{
	buildpipeline.StageLower: "lowering",
	buildpipeline.StageEmit:  "emitting",
	buildpipeline.StageStubs: "stubs",
	buildpipeline.StageLink:  "linking",
	buildpipeline.StagePack:  "packing",
}

type progressModel struct {
	title  string
	events <-chan buildpipeline.Event
	spin   spinner.Model
	bar    progress.Model
	rows   []row
	byName map[string]int
	// phase names whole-command work such as packing, from events
	// without an item.
	phase  string
	width  int
	done   bool
	failed int
}

type (
	eventMsg  buildpipeline.Event
	closedMsg struct{}
)

// NewProgressModel shows one row per target. Events for unknown targets
// are dropped; events with an empty Item set the phase in the header.
func NewProgressModel(title string, targets []string, events <-chan buildpipeline.Event) tea.Model {
	m := &progressModel{
		title:  title,
		events: events,
		spin:   spinner.New(spinner.WithSpinner(spinner.MiniDot)),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(76)),
		byName: make(map[string]int, len(targets)),
		width:  80,
	}
	m.spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	for _, t := range targets {
		m.byName[t] = len(m.rows)
		m.rows = append(m.rows, row{triple: t, stage: buildpipeline.StageLower, state: buildpipeline.StatusQueued})
	}
	return m
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.next())
}

func (m *progressModel) next() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		return m, tea.Batch(m.applyEvent(buildpipeline.Event(msg)), m.next())
	case closedMsg:
		m.done = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.bar.Width = msg.Width - 4
		}
	case spinner.TickMsg:
		if !m.done {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

// applyEvent folds ev into the rows. A failed row ignores later events so
// its first error stays on screen.
func (m *progressModel) applyEvent(ev buildpipeline.Event) tea.Cmd {
	if ev.Item == "" {
		if ev.Status == buildpipeline.StatusWorking {
			m.phase = stageVerb[ev.Stage]
		}
		return nil
	}
	i, ok := m.byName[ev.Item]
	if !ok || m.rows[i].state == buildpipeline.StatusError {
		return nil
	}
	r := &m.rows[i]
	r.stage, r.state = ev.Stage, ev.Status
	switch ev.Status {
	case buildpipeline.StatusError:
		r.err = ev.Err
		m.failed++
	case buildpipeline.StatusDone:
		r.elapsed += ev.Elapsed
	}
	return m.bar.SetPercent(m.percent())
}

func (m *progressModel) percent() float64 {
	if len(m.rows) == 0 {
		return 0
	}
	var sum float64
	for i := range m.rows {
		r := &m.rows[i]
		switch {
		case r.finished():
			sum++
		case r.state == buildpipeline.StatusWorking:
			sum += stageWeight[r.stage]
		}
	}
	return sum / float64(len(m.rows))
}
