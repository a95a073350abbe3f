// Package tui provides the interactive terminal monitor for reconpi.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RefreshInterval is how often the monitor polls the daemon.
const RefreshInterval = 2 * time.Second

const eventTail = 40

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle      = lipgloss.NewStyle().Padding(0, 2)
	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

var views = []string{"jobs", "stages", "events"}

var jobFilters = []string{"", "queued", "running", "blocked", "done", "failed", "cancelled"}

// App is the main TUI model.
type App struct {
	client   *Client
	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int

	view        string
	selectedIdx int
	filter      string
	eventPrefix string

	online  bool
	status  *StatusInfo
	jobs    []JobItem
	stages  []StageItem
	events  []EventItem
	message string

	suggestions *Suggestions
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "approve | cancel | reset | fail | run <scope> | handoff <tag> | filter <status>"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		viewport:    viewport.New(80, 20),
		view:        "jobs",
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.refresh())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else if a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else if a.selectedIdx < a.rows()-1 {
				a.selectedIdx++
			}
			return a, nil

		case "tab":
			if a.accept() {
				return a, nil
			}
			a.view = nextView(a.view)
			a.selectedIdx = 0
			return a, nil

		case "ctrl+r":
			return a, a.refresh()

		case "enter":
			if a.accept() {
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line == "" {
				return a, nil
			}
			a.input.SetValue("")
			a.suggestions.Update("")
			return a, a.executeCommand(line)
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = msg.Height - 10

	case refreshedMsg:
		a.online = true
		a.status = msg.status
		a.jobs = msg.jobs
		a.stages = msg.stages
		a.events = msg.events
		a.clamp()
		cmds = append(cmds, a.tickCmd())

	case offlineMsg:
		a.online = false
		a.message = "Error: " + msg.err.Error()
		cmds = append(cmds, a.tickCmd())

	case tickMsg:
		return a, a.refresh()

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	a.suggestions.SetRefs(a.jobs, a.stages)

	return a, tea.Batch(cmds...)
}

// accept copies the highlighted suggestion into the input.
func (a *App) accept() bool {
	sel := a.suggestions.Selected()
	if sel == nil {
		return false
	}
	text := sel.Text
	if sel.Type != "command" {
		text = "@" + text
	}
	a.input.SetValue(text + " ")
	a.input.CursorEnd()
	a.suggestions.Update("")
	return true
}

func (a *App) rows() int {
	switch a.view {
	case "jobs":
		return len(a.jobs)
	case "stages":
		return len(a.stages)
	}
	return len(a.events)
}

func (a *App) clamp() {
	if a.selectedIdx >= a.rows() {
		a.selectedIdx = max(0, a.rows()-1)
	}
}

func nextView(v string) string {
	for i, name := range views {
		if name == v {
			return views[(i+1)%len(views)]
		}
	}
	return views[0]
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("* DAEMON")
	if !a.online {
		daemon = offlineStyle.Render("o DAEMON")
	}
	header := titleStyle.Render("reconpi") + "  " + daemon
	if a.status != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(a.status.State)
		if a.status.StateNote != "" {
			header += " " + mutedStyle.Render(a.status.StateNote)
		}
	}
	b.WriteString(header + "\n")
	b.WriteString(a.renderTabs() + "\n")
	b.WriteString(strings.Repeat("-", max(a.width, 10)) + "\n")

	contentHeight := a.height - 9
	if contentHeight < 5 {
		contentHeight = 5
	}
	switch a.view {
	case "jobs":
		b.WriteString(a.renderJobs(contentHeight))
	case "stages":
		b.WriteString(a.renderStages(contentHeight))
	case "events":
		b.WriteString(a.renderEvents(contentHeight))
	}

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + style.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n" + inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n" + a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" %s: %d | up/down:nav | Tab:view | Ctrl+R:refresh | Ctrl+C:quit", a.view, a.rows())
	if a.status != nil {
		status += " | " + jobSummary(a.status.Jobs)
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

func (a *App) renderTabs() string {
	var tabs []string
	for _, v := range views {
		if v == a.view {
			tabs = append(tabs, selectedStyle.Render(v))
		} else {
			tabs = append(tabs, rowStyle.Render(v))
		}
	}
	line := strings.Join(tabs, " ")
	if a.view == "jobs" && a.filter != "" {
		line += mutedStyle.Render("  filter: " + a.filter)
	}
	if a.view == "events" && a.eventPrefix != "" {
		line += mutedStyle.Render("  prefix: " + a.eventPrefix)
	}
	return line
}

func (a *App) renderJobs(height int) string {
	if len(a.jobs) == 0 {
		return "\n  No jobs. Type: run <scope> to plan a run.\n"
	}
	lines := make([]string, 0, len(a.jobs))
	for i, j := range a.jobs {
		text := fmt.Sprintf("%-9s %-8s %-22s %s", j.Status, shortID(j.ID), j.Kind, j.Scope)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("> "+text))
		} else {
			lines = append(lines, rowStyle.Render("  "+statusStyle(j.Status).Render(text)))
		}
	}
	out := window(lines, a.selectedIdx, height-2)
	if a.selectedIdx < len(a.jobs) && a.jobs[a.selectedIdx].Note != "" {
		out += "\n" + mutedStyle.Render("  note: "+lastLine(a.jobs[a.selectedIdx].Note))
	}
	return out
}

func (a *App) renderStages(height int) string {
	if len(a.stages) == 0 {
		return "\n  No stage requests.\n"
	}
	lines := make([]string, 0, len(a.stages))
	for i, s := range a.stages {
		state := lipgloss.NewStyle().Foreground(warningColor).Render("pending ")
		if s.Approved {
			state = lipgloss.NewStyle().Foreground(successColor).Render("approved")
		}
		text := fmt.Sprintf("%s %-8s job %-8s step %d %-20s %s %s", state, shortID(s.ID), shortID(s.JobID), s.StepIndex, s.ActionID, s.Risk, s.Scope)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("> "+text))
		} else {
			lines = append(lines, rowStyle.Render("  "+text))
		}
	}
	return window(lines, a.selectedIdx, height)
}

func (a *App) renderEvents(height int) string {
	if len(a.events) == 0 {
		return "\n  No events.\n"
	}
	lines := make([]string, 0, len(a.events))
	for i, e := range a.events {
		text := fmt.Sprintf("%6d %s %-28s %s", e.ID, e.TS.Local().Format("15:04:05"), e.Topic, payloadSummary(e.Payload))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("> "+text))
		} else {
			lines = append(lines, rowStyle.Render("  "+text))
		}
	}
	a.viewport.SetContent(window(lines, a.selectedIdx, height))
	return a.viewport.View()
}

func window(lines []string, selected, height int) string {
	if height > 0 && len(lines) > height {
		start := selected - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "queued":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "running":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	case "blocked":
		return lipgloss.NewStyle().Foreground(warningColor)
	case "done":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "failed":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	}
	return mutedStyle
}

func jobSummary(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func payloadSummary(p map[string]interface{}) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	s := strings.Join(parts, " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

type refreshedMsg struct {
	status *StatusInfo
	jobs   []JobItem
	stages []StageItem
	events []EventItem
}

type offlineMsg struct {
	err error
}

type commandResultMsg struct {
	message string
}

type tickMsg time.Time

func (a *App) refresh() tea.Cmd {
	filter, prefix := a.filter, a.eventPrefix
	return func() tea.Msg {
		status, err := a.client.Status()
		if err != nil {
			return offlineMsg{err}
		}
		jobs, err := a.client.ListJobs(filter)
		if err != nil {
			return offlineMsg{err}
		}
		stages, err := a.client.ListStages()
		if err != nil {
			return offlineMsg{err}
		}
		events, err := a.client.TailEvents(prefix, eventTail)
		if err != nil {
			return offlineMsg{err}
		}
		return refreshedMsg{status: status, jobs: jobs, stages: stages, events: events}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
