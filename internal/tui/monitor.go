// Package tui renders a live terminal view of running batches from the
// events hub: one progress bar per group and a table of recent jobs.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/renderbatch/internal/events"
)

const (
	maxJobRows  = 200
	maxEventLog = 8
)

type jobStatus string

const (
	jobRunning   jobStatus = "running"
	jobSucceeded jobStatus = "succeeded"
	jobFailed    jobStatus = "failed"
)

type jobRow struct {
	Group   string
	Name    string
	Status  jobStatus
	Started time.Time
	Seconds float64
	Error   string
}

type groupState struct {
	Name          string
	Total         int
	Skipped       int
	MaxConcurrent int
	Launched      int
	Succeeded     int
	Failed        int
	Done          bool
	Throughput    float64
}

func (g *groupState) resolved() int { return g.Succeeded + g.Failed }

func (g *groupState) percent() float64 {
	if g.Total == 0 {
		return 1
	}
	return float64(g.resolved()) / float64(g.Total)
}

type eventMsg events.Event
type closedMsg struct{}
type tickMsg time.Time

// Model is the bubbletea model for the batch monitor.
type Model struct {
	theme  Theme
	source <-chan events.Event
	cancel func()
	now    func() time.Time

	width  int
	height int

	groups     map[string]*groupState
	groupOrder []string
	jobs       []*jobRow
	jobIndex   map[string]*jobRow
	eventLog   []events.Event
	finished   bool
	aborted    bool

	bar      progress.Model
	jobTable table.Model
}

// NewMonitor builds a monitor reading from source. cancel is called when the
// user quits before the batch finishes; it may be nil.
func NewMonitor(source <-chan events.Event, cancel func()) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Group", Width: 10},
			{Title: "Job", Width: 36},
			{Title: "Time", Width: 8},
			{Title: "Detail", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		theme:    NewDefaultTheme(),
		source:   source,
		cancel:   cancel,
		now:      time.Now,
		groups:   make(map[string]*groupState),
		jobIndex: make(map[string]*jobRow),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		jobTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.receiveNextEvent(), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.finished && m.cancel != nil {
				m.cancel()
				m.aborted = true
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(max(m.width-6, 20))
		m.bar.Width = max(min(m.width-40, 60), 10)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case closedMsg:
		m.finished = true
		m.updateTable()
		return m, tea.Quit

	case tickMsg:
		// Refresh running durations.
		m.updateTable()
		return m, tick()
	}

	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m *Model) group(name string) *groupState {
	g, ok := m.groups[name]
	if !ok {
		g = &groupState{Name: name}
		m.groups[name] = g
		m.groupOrder = append(m.groupOrder, name)
	}
	return g
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch e.Type {
	case events.TypeBatchStarted:
		var p events.BatchStarted
		if e.Decode(&p) != nil {
			return
		}
		g := m.group(p.Group)
		g.Total = p.Total
		g.Skipped = p.Skipped
		g.MaxConcurrent = p.MaxConcurrent

	case events.TypeJobLaunched:
		var p events.JobLaunched
		if e.Decode(&p) != nil {
			return
		}
		g := m.group(p.Group)
		g.Launched++
		if g.Total < p.Total {
			g.Total = p.Total
		}
		row := &jobRow{Group: p.Group, Name: p.Name, Status: jobRunning, Started: e.At}
		m.jobIndex[p.Group+"/"+p.Name] = row
		m.jobs = append(m.jobs, row)
		if len(m.jobs) > maxJobRows {
			drop := m.jobs[0]
			delete(m.jobIndex, drop.Group+"/"+drop.Name)
			m.jobs = m.jobs[1:]
		}

	case events.TypeJobSucceeded, events.TypeJobFailed:
		var p events.JobResolved
		if e.Decode(&p) != nil {
			return
		}
		g := m.group(p.Group)
		status := jobSucceeded
		if e.Type == events.TypeJobFailed {
			status = jobFailed
			g.Failed++
		} else {
			g.Succeeded++
		}
		row, ok := m.jobIndex[p.Group+"/"+p.Name]
		if !ok {
			row = &jobRow{Group: p.Group, Name: p.Name}
			m.jobIndex[p.Group+"/"+p.Name] = row
			m.jobs = append(m.jobs, row)
		}
		row.Status = status
		row.Seconds = p.Seconds
		row.Error = p.Error

	case events.TypeBatchCompleted:
		var p events.BatchCompleted
		if e.Decode(&p) != nil {
			return
		}
		g := m.group(p.Group)
		g.Done = true
		g.Throughput = p.Throughput
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.jobs))
	now := m.now()
	// Newest first.
	for i := len(m.jobs) - 1; i >= 0; i-- {
		j := m.jobs[i]
		sym := m.theme.StatusWaiting.Render("○")
		elapsed := "-"
		detail := ""
		switch j.Status {
		case jobRunning:
			sym = m.theme.StatusRunning.Render("◉")
			if !j.Started.IsZero() {
				elapsed = fmt.Sprintf("%.1fs", now.Sub(j.Started).Seconds())
			}
		case jobSucceeded:
			sym = m.theme.StatusOK.Render("●")
			elapsed = fmt.Sprintf("%.1fs", j.Seconds)
		case jobFailed:
			sym = m.theme.StatusFailed.Render("✗")
			elapsed = fmt.Sprintf("%.1fs", j.Seconds)
			detail = j.Error
		}
		rows = append(rows, table.Row{sym, j.Group, j.Name, elapsed, detail})
	}
	m.jobTable.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	boxWidth := m.width - 4
	groups := m.theme.Border.Width(boxWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Groups"),
			m.renderGroups(),
		),
	)
	jobs := m.theme.Border.Width(boxWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Jobs"),
			m.jobTable.View(),
		),
	)
	eventsView := m.theme.Border.Width(boxWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := " [q] Quit (cancels running batch) • [↑/↓] Scroll Jobs"
	if m.finished {
		help = " Batch finished • [q] Quit"
	}

	return m.theme.Doc.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			groups,
			jobs,
			eventsView,
			m.theme.Dim.Render(help),
		),
	)
}

func (m Model) renderGroups() string {
	if len(m.groupOrder) == 0 {
		return "  Waiting for batches..."
	}
	names := append([]string(nil), m.groupOrder...)
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		g := m.groups[name]
		state := m.theme.StatusRunning.Render("RUNNING")
		if g.Done {
			state = m.theme.StatusOK.Render("DONE")
			if g.Failed > 0 {
				state = m.theme.StatusFailed.Render("DONE")
			}
		}
		stats := fmt.Sprintf("%d/%d  ✓%d ✗%d", g.resolved(), g.Total, g.Succeeded, g.Failed)
		if g.Skipped > 0 {
			stats += fmt.Sprintf("  (skipped %d)", g.Skipped)
		}
		if g.Done {
			stats += fmt.Sprintf("  %.1f/min", g.Throughput)
		}
		lines = append(lines, fmt.Sprintf(" %s %-10s %s %s",
			state, m.theme.Header.Render(strings.ToUpper(name)), m.bar.ViewAs(g.percent()), stats))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		return "  No events yet..."
	}
	lines := make([]string, 0, len(m.eventLog))
	for _, e := range m.eventLog {
		lines = append(lines, fmt.Sprintf("%s | %-15s | %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data)))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// Aborted reports whether the user quit before the batch finished.
func (m Model) Aborted() bool { return m.aborted }

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.source
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Run shows the monitor until source closes or the user quits.
func Run(source <-chan events.Event, cancel func()) (Model, error) {
	final, err := tea.NewProgram(NewMonitor(source, cancel), tea.WithAltScreen()).Run()
	if err != nil {
		return Model{}, fmt.Errorf("run monitor: %w", err)
	}
	m, _ := final.(Model)
	return m, nil
}
