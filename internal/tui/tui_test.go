package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fakeyudi/traceview/internal/trace"
)

func sampleContexts() []*trace.ContextEntry {
	c := trace.NewContextEntry("trace.zip")
	c.StartTime = 1000
	c.EndTime = 2500
	c.BrowserName = "chromium"
	c.Pages = append(c.Pages, &trace.PageEntry{PageID: "page@1"})
	c.Actions = append(c.Actions,
		&trace.ActionEntry{CallID: "call@1", Class: "Frame", Method: "goto", StartTime: 1000, EndTime: 1200,
			Log: []trace.LogEntry{{Time: 1100, Message: "navigating"}}},
		&trace.ActionEntry{CallID: "call@2", Title: "click button", StartTime: 1500, EndTime: 1600,
			Error: &trace.SerializedError{Message: "timeout"}},
	)
	c.Events = append(c.Events,
		&trace.ConsoleEntry{Type: "console", Time: 1300, MessageType: "log", Text: "hello"},
		&trace.EventEntry{Type: "event", Time: 1400, Class: "Page", Method: "dialog"},
	)
	return []*trace.ContextEntry{c}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestViewBeforeSize(t *testing.T) {
	m := New(sampleContexts(), "/tmp/trace.zip", nil)
	if got := m.View(); got != "Loading…" {
		t.Errorf("view mismatch: got %q, want %q", got, "Loading…")
	}
}

func TestTabsRenderTraceContent(t *testing.T) {
	m := New(sampleContexts(), "/tmp/trace.zip", nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	if view := m.View(); !strings.Contains(view, "trace.zip") || !strings.Contains(view, "chromium") {
		t.Errorf("summary view missing title or browser:\n%s", view)
	}

	cases := []struct {
		key  string
		want []string
	}{
		{"2", []string{"Actions (2)", "Frame.goto", "click button"}},
		{"3", []string{"Pages (1)", "page@1"}},
		{"4", []string{"Console (1)", "[log]", "hello"}},
		{"5", []string{"Errors (1)", "click button: timeout"}},
		{"6", []string{"Timeline (oldest first)", "ACTION", "CONSOLE", "Page.dialog"}},
	}
	for _, tc := range cases {
		m = update(t, m, key(tc.key))
		content := m.renderTab(m.activeTab)
		for _, want := range tc.want {
			if !strings.Contains(content, want) {
				t.Errorf("tab %s: missing %q in:\n%s", tc.key, want, content)
			}
		}
	}
}

func TestActionExpandShowsLog(t *testing.T) {
	m := New(sampleContexts(), "trace.zip", nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, key("2"))

	if strings.Contains(m.renderActions(), "navigating") {
		t.Fatal("collapsed action shows its log")
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if !strings.Contains(m.renderActions(), "navigating") {
		t.Error("expanded action does not show its log")
	}

	m = update(t, m, key("j"))
	if m.actionCursor != 1 {
		t.Errorf("cursor mismatch: got %d, want 1", m.actionCursor)
	}
	m = update(t, m, key("j"))
	if m.actionCursor != 1 {
		t.Errorf("cursor moved past the last action: got %d", m.actionCursor)
	}
}

func TestTimelineSortToggle(t *testing.T) {
	m := New(sampleContexts(), "trace.zip", nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, key("6"))
	m = update(t, m, key("s"))

	content := m.renderTimeline()
	if !strings.Contains(content, "newest first") {
		t.Fatalf("sort toggle not applied:\n%s", content)
	}
	if strings.Index(content, "click button") > strings.Index(content, "Frame.goto") {
		t.Error("newest-first timeline lists the older action first")
	}
}

func TestReloadReplacesContexts(t *testing.T) {
	reloads := make(chan []*trace.ContextEntry, 1)
	m := New(sampleContexts(), "trace.zip", reloads)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	next := trace.NewContextEntry("trace.zip")
	next.Actions = append(next.Actions, &trace.ActionEntry{CallID: "call@9", APIName: "page.reload"})
	reloads <- []*trace.ContextEntry{next}

	msg := m.waitForReload()()
	reload, ok := msg.(ReloadMsg)
	if !ok {
		t.Fatalf("message mismatch: got %T, want ReloadMsg", msg)
	}
	m = update(t, m, reload)
	if len(m.actions) != 1 || !strings.Contains(m.renderActions(), "page.reload") {
		t.Errorf("reload not applied: %d actions", len(m.actions))
	}

	close(reloads)
	if msg := m.waitForReload()(); msg != nil {
		t.Errorf("closed channel: got %v, want nil", msg)
	}
}
