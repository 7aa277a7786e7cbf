// Package tui provides a Bubble Tea TUI for browsing loaded traces.
package tui

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/traceview/internal/report"
	"github.com/fakeyudi/traceview/internal/trace"
)

// ── Styles ────────────

var (
	// Title bar at the very top
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)

	tabSepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")).
			Background(lipgloss.Color("235"))

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178"))

	bulletStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	kindActionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	kindConsoleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	kindEventStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	failedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)

	// Selected row in the Actions list
	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("237"))
)

// ── Tab definitions ─────────────────

type tabID int

const (
	tabSummary tabID = iota
	tabActions
	tabPages
	tabConsole
	tabErrors
	tabTimeline
	tabCount
)

var tabNames = [tabCount]string{
	"Summary", "Actions", "Pages", "Console", "Errors", "Timeline",
}

// ── Timeline event ───────────────────

type eventKind string

const (
	kindAction  eventKind = "ACTION"
	kindConsole eventKind = "CONSOLE"
	kindEvent   eventKind = "EVENT"
)

type timelineEvent struct {
	// ms since the start of the trace
	at   float64
	kind eventKind
	text string
}

// ReloadMsg replaces the displayed contexts, typically after the trace on
// disk changed.
type ReloadMsg struct {
	Contexts []*trace.ContextEntry
}

// ── Model ────────────────────

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	contexts  []*trace.ContextEntry
	actions   []*trace.ActionEntry
	start     float64
	filename  string
	activeTab tabID
	viewports [tabCount]viewport.Model
	width     int
	height    int
	ready     bool
	sortAsc   bool
	timeline  []timelineEvent
	reloads   <-chan []*trace.ContextEntry
	// Actions tab: cursor position and expanded set
	actionCursor    int
	expandedActions map[int]bool
}

// New creates a new TUI model for the given contexts and trace name. When
// reloads is non-nil, every value received replaces the contexts.
func New(contexts []*trace.ContextEntry, filename string, reloads <-chan []*trace.ContextEntry) Model {
	m := Model{
		filename: filepath.Base(filename),
		sortAsc:  true,
		reloads:  reloads,
	}
	m.setContexts(contexts)
	return m
}

func (m *Model) setContexts(contexts []*trace.ContextEntry) {
	m.contexts = contexts
	m.actions = nil
	m.start = 0
	first := true
	for _, c := range contexts {
		m.actions = append(m.actions, c.Actions...)
		if c.Bounded() && (first || c.StartTime < m.start) {
			m.start = c.StartTime
			first = false
		}
	}
	if m.actionCursor >= len(m.actions) {
		m.actionCursor = max(len(m.actions)-1, 0)
	}
	m.expandedActions = make(map[int]bool)
	m.timeline = buildTimeline(contexts, m.start)
}

// ── Bubble Tea interface ───────────────

func (m Model) Init() tea.Cmd { return m.waitForReload() }

func (m Model) waitForReload() tea.Cmd {
	if m.reloads == nil {
		return nil
	}
	ch := m.reloads
	return func() tea.Msg {
		contexts, ok := <-ch
		if !ok {
			return nil
		}
		return ReloadMsg{Contexts: contexts}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "l", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "h", "left":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1", "2", "3", "4", "5", "6":
			m.activeTab = tabID(msg.String()[0] - '1')
		case "s":
			if m.activeTab == tabTimeline {
				m.sortAsc = !m.sortAsc
				m.rebuildTimelineViewport()
			}
		case "up", "k":
			if m.activeTab == tabActions && m.actionCursor > 0 {
				m.actionCursor--
				m.rebuildActionsViewport()
				return m, nil
			}
		case "down", "j":
			if m.activeTab == tabActions && m.actionCursor < len(m.actions)-1 {
				m.actionCursor++
				m.rebuildActionsViewport()
				return m, nil
			}
		case "enter", " ":
			if m.activeTab == tabActions && len(m.actions) > 0 {
				if m.expandedActions[m.actionCursor] {
					delete(m.expandedActions, m.actionCursor)
				} else {
					m.expandedActions[m.actionCursor] = true
				}
				m.rebuildActionsViewport()
				return m, nil
			}
		}
		var cmd tea.Cmd
		m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.initViewports()
		return m, nil

	case ReloadMsg:
		m.setContexts(msg.Contexts)
		if m.ready {
			for i := tabID(0); i < tabCount; i++ {
				m.viewports[i].SetContent(m.renderTab(i))
			}
		}
		return m, m.waitForReload()
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	title := titleStyle.Width(m.width).Render("  traceview  " + m.filename)

	var tabParts []string
	for i := tabID(0); i < tabCount; i++ {
		label := fmt.Sprintf(" %d %s ", i+1, tabNames[i])
		if i == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
		if i < tabCount-1 {
			tabParts = append(tabParts, tabSepStyle.Render("│"))
		}
	}
	tabRow := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabParts...))

	content := m.viewports[m.activeTab].View()

	hint := "  ←/→ tab  ↑/↓ scroll  1-6 jump  q quit"
	if m.activeTab == tabTimeline {
		dir := "oldest first"
		if !m.sortAsc {
			dir = "newest first"
		}
		hint += "  s sort (" + dir + ")"
	}
	if m.activeTab == tabActions {
		hint += "  enter expand/collapse"
	}
	pct := fmt.Sprintf("%3.0f%%", m.viewports[m.activeTab].ScrollPercent()*100)
	pad := m.width - lipgloss.Width(hint) - len(pct) - 2
	if pad < 1 {
		pad = 1
	}
	statusBar := statusBarStyle.Width(m.width).Render(
		hint + strings.Repeat(" ", pad) + pct,
	)

	return lipgloss.JoinVertical(lipgloss.Left, title, tabRow, content, statusBar)
}

// ── Viewport management ───────────────────────────────────────────────────────

func (m *Model) initViewports() {
	// title(1) + tabRow(1) + statusBar(1) = 3 fixed rows
	vpHeight := m.height - 3
	if vpHeight < 1 {
		vpHeight = 1
	}
	for i := tabID(0); i < tabCount; i++ {
		vp := viewport.New(m.width, vpHeight)
		vp.SetContent(m.renderTab(i))
		m.viewports[i] = vp
	}
}

func (m *Model) rebuildTimelineViewport() {
	m.viewports[tabTimeline].SetContent(m.renderTab(tabTimeline))
	m.viewports[tabTimeline].GotoTop()
}

func (m *Model) rebuildActionsViewport() {
	m.viewports[tabActions].SetContent(m.renderTab(tabActions))
}

// ── Tab renderers ─────────────────────────────────────────────────────────────

func (m *Model) renderTab(t tabID) string {
	switch t {
	case tabSummary:
		return m.renderSummary()
	case tabActions:
		return m.renderActions()
	case tabPages:
		return m.renderPages()
	case tabConsole:
		return m.renderConsole()
	case tabErrors:
		return m.renderErrors()
	case tabTimeline:
		return m.renderTimeline()
	}
	return ""
}

func heading(s string) string {
	return "\n" + sectionHeader.Render("  "+s) + "\n\n"
}

func bullet(text string) string {
	return bulletStyle.Render("  •") + "  " + text + "\n"
}

func (m *Model) renderSummary() string {
	s := report.Summarize(m.contexts)
	var sb strings.Builder
	sb.WriteString(heading("Trace Summary"))

	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-14s", label)) + "  " + value + "\n")
	}
	if s.Title != "" {
		row("Title:", s.Title)
	}
	if s.Browser != "" {
		row("Browser:", s.Browser)
	}
	row("Duration:", formatMillis(s.Duration))
	for _, c := range m.contexts {
		if c.Platform != "" {
			row("Platform:", c.Platform)
			break
		}
	}

	sb.WriteString("\n")
	sb.WriteString(heading("Counts"))
	row("Contexts:", fmt.Sprintf("%d", s.Contexts))
	row("Pages:", fmt.Sprintf("%d", s.Pages))
	row("Actions:", fmt.Sprintf("%d", s.Actions))
	row("Failed:", fmt.Sprintf("%d", s.Failed))
	row("Errors:", fmt.Sprintf("%d", s.Errors))
	return sb.String()
}

func (m *Model) renderActions() string {
	var sb strings.Builder
	sb.WriteString(heading(fmt.Sprintf("Actions (%d)", len(m.actions))))
	if len(m.actions) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for i, a := range m.actions {
		ts := timeStyle.Render(fmt.Sprintf("%8s", formatMillis(a.StartTime-m.start)))
		toggle := dimStyle.Render("  ▶ ")
		if m.expandedActions[i] {
			toggle = dimStyle.Render("  ▼ ")
		}
		status := kindActionStyle.Render("✓")
		if a.Error != nil {
			status = failedStyle.Render("✗")
		}
		row := fmt.Sprintf("%s%s %s  %s", toggle, status, ts, report.ActionTitle(a))
		if i == m.actionCursor {
			row = selectedRowStyle.Width(m.width - 2).Render(row)
		}
		sb.WriteString(row + "\n")
		if m.expandedActions[i] {
			sb.WriteString(renderActionDetail(a))
		}
	}
	return sb.String()
}

func renderActionDetail(a *trace.ActionEntry) string {
	var sb strings.Builder
	if a.EndTime >= a.StartTime && a.EndTime != 0 {
		sb.WriteString(dimStyle.Render("      duration  "+formatMillis(a.EndTime-a.StartTime)) + "\n")
	}
	if len(a.Params) > 0 && string(a.Params) != "{}" {
		sb.WriteString(dimStyle.Render("      params    "+string(a.Params)) + "\n")
	}
	if a.Error != nil {
		sb.WriteString(failedStyle.Render("      error     "+a.Error.Message) + "\n")
	}
	for _, l := range a.Log {
		sb.WriteString(dimStyle.Render("      │ "+l.Message) + "\n")
	}
	for _, f := range a.Stack {
		sb.WriteString(dimStyle.Render(fmt.Sprintf("      at %s:%d:%d", f.File, f.Line, f.Column)) + "\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func (m *Model) renderPages() string {
	var sb strings.Builder
	n := 0
	for _, c := range m.contexts {
		n += len(c.Pages)
	}
	sb.WriteString(heading(fmt.Sprintf("Pages (%d)", n)))
	if n == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for _, c := range m.contexts {
		for _, p := range c.Pages {
			sb.WriteString(bullet(fmt.Sprintf("%s  %s", p.PageID,
				dimStyle.Render(fmt.Sprintf("%d screencast frames", len(p.ScreencastFrames))))))
		}
	}
	return sb.String()
}

func (m *Model) renderConsole() string {
	var sb strings.Builder
	var entries []*trace.ConsoleEntry
	for _, c := range m.contexts {
		for _, e := range c.Events {
			if ce, ok := e.(*trace.ConsoleEntry); ok {
				entries = append(entries, ce)
			}
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Time < entries[j].Time })

	sb.WriteString(heading(fmt.Sprintf("Console (%d)", len(entries))))
	if len(entries) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for _, e := range entries {
		ts := timeStyle.Render(fmt.Sprintf("%8s", formatMillis(e.Time-m.start)))
		style := kindConsoleStyle
		if e.MessageType == "error" {
			style = failedStyle
		}
		badge := style.Render(fmt.Sprintf("[%s]", e.MessageType))
		sb.WriteString(fmt.Sprintf("  %s  %s  %s\n", ts, badge, e.Text))
	}
	return sb.String()
}

func (m *Model) renderErrors() string {
	var sb strings.Builder
	var errs []string
	for _, c := range m.contexts {
		for _, e := range c.Errors {
			errs = append(errs, e.Message)
		}
	}
	for _, a := range m.actions {
		if a.Error != nil {
			errs = append(errs, report.ActionTitle(a)+": "+a.Error.Message)
		}
	}
	sb.WriteString(heading(fmt.Sprintf("Errors (%d)", len(errs))))
	if len(errs) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for _, e := range errs {
		sb.WriteString(bullet(e))
	}
	return sb.String()
}

func (m *Model) renderTimeline() string {
	var sb strings.Builder

	dir := "oldest first"
	if !m.sortAsc {
		dir = "newest first"
	}
	sb.WriteString(heading(fmt.Sprintf("Timeline (%s)", dir)))

	events := make([]timelineEvent, len(m.timeline))
	copy(events, m.timeline)
	if m.sortAsc {
		sort.SliceStable(events, func(i, j int) bool { return events[i].at < events[j].at })
	} else {
		sort.SliceStable(events, func(i, j int) bool { return events[i].at > events[j].at })
	}

	if len(events) == 0 {
		sb.WriteString(dimStyle.Render("  (no events in this trace)") + "\n")
		return sb.String()
	}

	for _, ev := range events {
		ts := timeStyle.Render(fmt.Sprintf("%8s", formatMillis(ev.at)))
		var badge string
		switch ev.kind {
		case kindAction:
			badge = kindActionStyle.Render(fmt.Sprintf("  %-8s", string(ev.kind)))
		case kindConsole:
			badge = kindConsoleStyle.Render(fmt.Sprintf("  %-8s", string(ev.kind)))
		case kindEvent:
			badge = kindEventStyle.Render(fmt.Sprintf("  %-8s", string(ev.kind)))
		}
		sb.WriteString(ts + badge + "  " + ev.text + "\n")
	}
	return sb.String()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func buildTimeline(contexts []*trace.ContextEntry, start float64) []timelineEvent {
	var events []timelineEvent
	for _, c := range contexts {
		for _, a := range c.Actions {
			events = append(events, timelineEvent{at: a.StartTime - start, kind: kindAction, text: report.ActionTitle(a)})
		}
		for _, e := range c.Events {
			switch e := e.(type) {
			case *trace.ConsoleEntry:
				events = append(events, timelineEvent{at: e.Time - start, kind: kindConsole, text: e.Text})
			case *trace.EventEntry:
				events = append(events, timelineEvent{at: e.Time - start, kind: kindEvent, text: e.Class + "." + e.Method})
			}
		}
	}
	return events
}

func formatMillis(ms float64) string {
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return fmt.Sprintf("%.2fs", ms/1000)
}

// Run starts the TUI for the given contexts.
func Run(contexts []*trace.ContextEntry, filename string, reloads <-chan []*trace.ContextEntry) error {
	p := tea.NewProgram(New(contexts, filename, reloads), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
