// Package report renders loaded trace contexts as Markdown or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fakeyudi/traceview/internal/trace"
)

// Renderer serializes trace contexts to bytes.
type Renderer interface {
	Render(contexts []*trace.ContextEntry) ([]byte, error)
}

// ForFormat returns the renderer for "markdown" or "json".
func ForFormat(format string) (Renderer, error) {
	switch format {
	case "markdown", "md", "":
		return &MarkdownRenderer{}, nil
	case "json":
		return &JSONRenderer{}, nil
	}
	return nil, fmt.Errorf("unknown format %q: use markdown or json", format)
}

// JSONRenderer renders contexts as indented JSON.
type JSONRenderer struct{}

func (r *JSONRenderer) Render(contexts []*trace.ContextEntry) ([]byte, error) {
	return json.MarshalIndent(contexts, "", "  ")
}

// Summary condenses a trace for listings.
type Summary struct {
	Title    string
	Browser  string
	Contexts int
	Pages    int
	Actions  int
	Failed   int
	Errors   int
	// Duration in milliseconds from the first to the last recorded event.
	Duration float64
}

// Summarize counts what the contexts hold.
func Summarize(contexts []*trace.ContextEntry) Summary {
	s := Summary{Contexts: len(contexts)}
	start, end, bounded := 0.0, 0.0, false
	for _, c := range contexts {
		if s.Title == "" {
			s.Title = c.Title
		}
		if s.Browser == "" {
			s.Browser = c.BrowserName
		}
		s.Pages += len(c.Pages)
		s.Actions += len(c.Actions)
		s.Errors += len(c.Errors)
		for _, a := range c.Actions {
			if a.Error != nil {
				s.Failed++
			}
		}
		if !c.Bounded() {
			continue
		}
		if !bounded || c.StartTime < start {
			start = c.StartTime
		}
		bounded = true
		if c.EndTime > end {
			end = c.EndTime
		}
	}
	if end > start {
		s.Duration = end - start
	}
	return s
}

// ActionTitle is the display name of an action.
func ActionTitle(a *trace.ActionEntry) string {
	switch {
	case a.Title != "":
		return a.Title
	case a.APIName != "":
		return a.APIName
	}
	return a.Class + "." + a.Method
}

// MarkdownRenderer renders contexts as human-readable Markdown.
type MarkdownRenderer struct{}

func (r *MarkdownRenderer) Render(contexts []*trace.ContextEntry) ([]byte, error) {
	var sb strings.Builder
	sum := Summarize(contexts)

	title := sum.Title
	if title == "" && len(contexts) > 0 {
		title = contexts[0].TraceURL
	}
	fmt.Fprintf(&sb, "# Trace: %s\n\n", title)

	// ## Summary
	sb.WriteString("## Summary\n\n")
	if sum.Browser != "" {
		fmt.Fprintf(&sb, "- Browser: %s\n", sum.Browser)
	}
	fmt.Fprintf(&sb, "- Contexts: %d\n", sum.Contexts)
	fmt.Fprintf(&sb, "- Pages: %d\n", sum.Pages)
	fmt.Fprintf(&sb, "- Actions: %d (%d failed)\n", sum.Actions, sum.Failed)
	fmt.Fprintf(&sb, "- Duration: %s\n", formatMillis(sum.Duration))
	sb.WriteString("\n")

	// ## Pages
	sb.WriteString("## Pages\n\n")
	if sum.Pages == 0 {
		sb.WriteString("_No pages recorded._\n")
	} else {
		for _, c := range contexts {
			for _, p := range c.Pages {
				fmt.Fprintf(&sb, "- %s (%d screencast frames)\n", p.PageID, len(p.ScreencastFrames))
			}
		}
	}
	sb.WriteString("\n")

	// ## Actions
	sb.WriteString("## Actions\n\n")
	if sum.Actions == 0 {
		sb.WriteString("_No actions recorded._\n")
	} else {
		sb.WriteString("| # | Action | Start | Duration | Status |\n")
		sb.WriteString("|---|--------|-------|----------|--------|\n")
		n := 0
		for _, c := range contexts {
			for _, a := range c.Actions {
				n++
				status := "ok"
				if a.Error != nil {
					status = "failed: " + escapeCell(a.Error.Message)
				} else if a.EndTime == 0 {
					status = "unfinished"
				}
				duration := "-"
				if a.EndTime >= a.StartTime && a.EndTime != 0 {
					duration = formatMillis(a.EndTime - a.StartTime)
				}
				fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s |\n",
					n, escapeCell(ActionTitle(a)), formatMillis(a.StartTime-contextStart(c)), duration, status)
			}
		}
	}
	sb.WriteString("\n")

	// ## Errors
	sb.WriteString("## Errors\n\n")
	if sum.Errors == 0 {
		sb.WriteString("_No errors recorded._\n")
	} else {
		for _, c := range contexts {
			for _, e := range c.Errors {
				fmt.Fprintf(&sb, "- %s\n", e.Message)
			}
		}
	}
	sb.WriteString("\n")

	// ## Console
	sb.WriteString("## Console\n\n")
	console := consoleEntries(contexts)
	if len(console) == 0 {
		sb.WriteString("_No console messages._\n")
	} else {
		for _, e := range console {
			fmt.Fprintf(&sb, "- [%s] %s\n", e.MessageType, e.Text)
		}
	}
	sb.WriteString("\n")

	return []byte(sb.String()), nil
}

func contextStart(c *trace.ContextEntry) float64 {
	if c.Bounded() {
		return c.StartTime
	}
	return 0
}

// consoleEntries collects console messages of all contexts in time order.
func consoleEntries(contexts []*trace.ContextEntry) []*trace.ConsoleEntry {
	var out []*trace.ConsoleEntry
	for _, c := range contexts {
		for _, e := range c.Events {
			if ce, ok := e.(*trace.ConsoleEntry); ok {
				out = append(out, ce)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func formatMillis(ms float64) string {
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return fmt.Sprintf("%.2fs", ms/1000)
}
