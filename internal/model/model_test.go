package model

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fakeyudi/traceview/internal/trace"
)

type mapBackend struct {
	entries map[string]string
	live    bool
}

func (b *mapBackend) EntryNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(b.entries))
	for n := range b.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (b *mapBackend) HasEntry(_ context.Context, name string) (bool, error) {
	_, ok := b.entries[name]
	return ok, nil
}

func (b *mapBackend) ReadText(_ context.Context, name string) (string, error) {
	s, ok := b.entries[name]
	if !ok {
		return "", ErrEntryNotFound
	}
	return s, nil
}

func (b *mapBackend) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	s, err := b.ReadText(ctx, name)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (b *mapBackend) IsLive() bool     { return b.live }
func (b *mapBackend) TraceURL() string { return "mem://trace" }

const contextOptions = `{"type":"context-options","version":7,"origin":"library","browserName":"chromium","wallTime":1,"monotonicTime":0,"options":{}}`

func traceText(events ...string) string {
	return strings.Join(append([]string{contextOptions}, events...), "\n")
}

func TestLoadRequiresTraceEntry(t *testing.T) {
	m := New(Options{})
	err := m.Load(context.Background(), &mapBackend{entries: map[string]string{"resources/x": ""}}, nil)
	if !errors.Is(err, ErrNoTraceFile) {
		t.Fatalf("expected ErrNoTraceFile, got %v", err)
	}

	err = New(Options{}).Load(context.Background(), &mapBackend{entries: map[string]string{"index.html": "<html>"}}, nil)
	if !errors.Is(err, ErrHTMLReport) {
		t.Fatalf("expected ErrHTMLReport, got %v", err)
	}
}

func TestLoadShardsAndProgress(t *testing.T) {
	b := &mapBackend{entries: map[string]string{
		"trace.trace": traceText(
			`{"type":"before","callId":"call@2","startTime":5,"class":"Page","method":"click"}`,
			`{"type":"before","callId":"call@1","startTime":1,"class":"Page","method":"goto"}`,
			`{"type":"after","callId":"call@1","endTime":3,"attachments":[{"name":"a","contentType":"text/plain","sha1":"att1"}]}`,
			`{"type":"after","callId":"call@2","endTime":6}`,
		),
		"trace.network": `{"type":"resource-snapshot","snapshot":{"request":{"method":"GET","url":"https://x.com/a.css"},"response":{"status":200,"content":{"mimeType":"text/css; charset=utf-8","_sha1":"css1"}},"_monotonicTime":2}}`,
		"trace.stacks":  `{"files":["a.test.ts"],"stacks":[[1,[[0,10,4,"test"]]]]}`,
		"other.trace":   traceText(),
		"resources/src@abc.txt": "source",
		"resources/css1":        "body{}",
	}}

	var steps [][2]int
	m := New(Options{})
	if err := m.Load(context.Background(), b, func(done, total int) { steps = append(steps, [2]int{done, total}) }); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.ContextEntries) != 2 {
		t.Fatalf("contexts: got %d, want 2", len(m.ContextEntries))
	}
	if len(steps) != 6 || steps[5] != [2]int{6, 6} {
		t.Errorf("progress mismatch: got %v", steps)
	}

	var ctx *trace.ContextEntry
	for _, c := range m.ContextEntries {
		if len(c.Actions) > 0 {
			ctx = c
		}
	}
	if ctx == nil {
		t.Fatal("no context with actions")
	}
	if !ctx.HasSource || ctx.TraceURL != "mem://trace" {
		t.Errorf("context flags mismatch: hasSource=%v traceUrl=%q", ctx.HasSource, ctx.TraceURL)
	}
	var order []string
	for _, a := range ctx.Actions {
		order = append(order, a.CallID)
	}
	if diff := cmp.Diff([]string{"call@1", "call@2"}, order); diff != "" {
		t.Errorf("actions not sorted by start time (-want +got):\n%s", diff)
	}
	want := []trace.StackFrame{{File: "a.test.ts", Line: 10, Column: 4, Function: "test"}}
	if diff := cmp.Diff(want, ctx.Actions[0].Stack); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}

	blob, err := m.ResourceForSHA1(context.Background(), "css1")
	if err != nil || blob == nil {
		t.Fatalf("ResourceForSHA1: %v", err)
	}
	if blob.Type != "text/css" || string(blob.Data) != "body{}" {
		t.Errorf("blob mismatch: %+v", blob)
	}
	if blob, err := m.ResourceForSHA1(context.Background(), "missing"); blob != nil || err != nil {
		t.Errorf("missing resource: got (%v, %v), want (nil, nil)", blob, err)
	}
	if att, ok := m.AttachmentForSHA1("att1"); !ok || att.Name != "a" {
		t.Errorf("attachment mismatch: %+v ok=%v", att, ok)
	}
	if ok, _ := m.HasEntry(context.Background(), "trace.network"); !ok {
		t.Error("HasEntry(trace.network) = false")
	}
}

// Feature: traceview, Property: an unfinished parent inherits the latest end
// time of its children when the trace is complete.
func TestLoadClosesUnfinishedParents(t *testing.T) {
	text := traceText(
		`{"type":"before","callId":"a","startTime":0,"class":"Test","method":"step"}`,
		`{"type":"before","callId":"b","startTime":1,"class":"Test","method":"step","parentId":"a"}`,
		`{"type":"after","callId":"b","endTime":100}`,
		`{"type":"before","callId":"c","startTime":2,"class":"Test","method":"step"}`,
		`{"type":"after","callId":"c","endTime":0,"error":{"message":"fail"}}`,
	)
	m := New(Options{})
	if err := m.Load(context.Background(), &mapBackend{entries: map[string]string{"0.trace": text}}, nil); err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, a := range m.ContextEntries[0].Actions {
		got[a.CallID] = a.EndTime
	}
	if diff := cmp.Diff(map[string]float64{"a": 100, "b": 100, "c": 0}, got); diff != "" {
		t.Errorf("end times mismatch (-want +got):\n%s", diff)
	}

	live := New(Options{})
	if err := live.Load(context.Background(), &mapBackend{entries: map[string]string{"0.trace": text}, live: true}, nil); err != nil {
		t.Fatal(err)
	}
	if a := live.ContextEntries[0].Actions[0]; a.EndTime != 0 {
		t.Errorf("live trace end time: got %v, want 0", a.EndTime)
	}
}

func TestLoadPropagatesVersionError(t *testing.T) {
	b := &mapBackend{entries: map[string]string{"0.trace": `{"type":"context-options","version":99}`}}
	err := New(Options{}).Load(context.Background(), b, nil)
	var verr *trace.VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *trace.VersionError, got %v", err)
	}
}

func TestLoadToleratesBadStacks(t *testing.T) {
	b := &mapBackend{entries: map[string]string{
		"0.trace":  traceText(`{"type":"before","callId":"call@1","startTime":1,"class":"Page","method":"goto"}`),
		"0.stacks": `{"files":"oops"}`,
	}}
	m := New(Options{})
	if err := m.Load(context.Background(), b, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s := m.ContextEntries[0].Actions[0].Stack; len(s) != 0 {
		t.Errorf("stack should be empty, got %+v", s)
	}
}

func TestStripCharset(t *testing.T) {
	for in, want := range map[string]string{
		"text/html; charset=utf-8": "text/html",
		"text/css;charset=latin1":  "text/css",
		"image/png":                "image/png",
	} {
		if got := stripCharset(in); got != want {
			t.Errorf("stripCharset(%q): got %q, want %q", in, got, want)
		}
	}
}
