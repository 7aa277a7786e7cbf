package trace

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fakeyudi/traceview/internal/snapshot"
)

// LatestVersion is the newest trace format version this package reads.
const LatestVersion = 7

type migration func(m *Modernizer, events []rawEvent) []rawEvent

// migrations[v] upgrades events from version v to v+1.
var migrations = []migration{
	(*Modernizer).modernize0to1,
	(*Modernizer).modernize1to2,
	(*Modernizer).modernize2to3,
	(*Modernizer).modernize3to4,
	(*Modernizer).modernize4to5,
	(*Modernizer).modernize5to6,
	(*Modernizer).modernize6to7,
}

func init() {
	if len(migrations) != LatestVersion {
		panic(fmt.Sprintf("trace: %d migration steps registered for format version %d", len(migrations), LatestVersion))
	}
}

// Option configures a Modernizer.
type Option func(*Modernizer)

// WithMissingActionPolicy sets how events for unknown actions are handled.
func WithMissingActionPolicy(p MissingActionPolicy) Option {
	return func(m *Modernizer) { m.policy = p }
}

// WithClock replaces the clock used to default missing wall times.
func WithClock(now func() time.Time) Option {
	return func(m *Modernizer) { m.now = now }
}

// WithLogger sets the logger for recovered trace corruption.
func WithLogger(l *zap.Logger) Option {
	return func(m *Modernizer) { m.logger = l }
}

// Modernizer folds the events of one trace shard into a ContextEntry,
// upgrading each event to the latest format first.
type Modernizer struct {
	context *ContextEntry
	storage *snapshot.Storage

	actions     map[string]*ActionEntry
	actionOrder []*ActionEntry
	pages       map[string]*PageEntry

	version    int
	hasVersion bool

	jsHandles      map[string]jsHandle
	consoleObjects map[string]consoleObject

	policy MissingActionPolicy
	now    func() time.Time
	logger *zap.Logger
}

// NewModernizer returns a Modernizer that appends into ctx and storage.
func NewModernizer(ctx *ContextEntry, storage *snapshot.Storage, opts ...Option) *Modernizer {
	m := &Modernizer{
		context:        ctx,
		storage:        storage,
		actions:        make(map[string]*ActionEntry),
		pages:          make(map[string]*PageEntry),
		jsHandles:      make(map[string]jsHandle),
		consoleObjects: make(map[string]consoleObject),
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AppendTrace appends every newline-delimited event in text. Blank lines are
// skipped. It stops at the first malformed line or fatal event.
func (m *Modernizer) AppendTrace(text string) error {
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := m.appendEvent([]byte(line)); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}

// Actions returns the actions seen so far in the order they were started.
func (m *Modernizer) Actions() []*ActionEntry {
	out := make([]*ActionEntry, len(m.actionOrder))
	copy(out, m.actionOrder)
	return out
}

func (m *Modernizer) appendEvent(line []byte) error {
	var ev rawEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return fmt.Errorf("parse trace event: %w", err)
	}
	events, err := m.modernize(ev)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := m.appendModern(e); err != nil {
			return err
		}
	}
	return nil
}

// modernize runs ev through every migration step between its version and
// LatestVersion. The version comes from the shard's context-options event
// once one was seen, else from the event itself; a recorded version of 0
// counts as unset. Events with no version at all pass through untouched.
func (m *Modernizer) modernize(ev rawEvent) ([]rawEvent, error) {
	version := m.version
	if version == 0 && !ev.field("version", &version) {
		return []rawEvent{ev}, nil
	}
	if version < 0 {
		return nil, fmt.Errorf("invalid trace format version %d", version)
	}
	events := []rawEvent{ev}
	for ; version < LatestVersion; version++ {
		events = migrations[version](m, events)
	}
	return events, nil
}

func (m *Modernizer) pageEntry(pageID string) *PageEntry {
	p, ok := m.pages[pageID]
	if !ok {
		p = &PageEntry{PageID: pageID, ScreencastFrames: []snapshot.ScreencastFrame{}}
		m.pages[pageID] = p
		m.context.Pages = append(m.context.Pages, p)
	}
	return p
}

func (m *Modernizer) missingAction(eventType, callID string) error {
	if m.policy.fails(eventType) {
		return &MissingActionError{EventType: eventType, CallID: callID}
	}
	m.logger.Debug("event for unknown action ignored",
		zap.String("type", eventType), zap.String("callId", callID))
	return nil
}

func (m *Modernizer) addAction(a *ActionEntry) {
	if _, ok := m.actions[a.CallID]; !ok {
		m.actionOrder = append(m.actionOrder, a)
	} else {
		for i, old := range m.actionOrder {
			if old.CallID == a.CallID {
				m.actionOrder[i] = a
				break
			}
		}
	}
	m.actions[a.CallID] = a
}

func (m *Modernizer) appendModern(ev rawEvent) error {
	ctx := m.context
	typ := ev.typ()
	switch typ {
	case "context-options":
		var e contextOptionsEvent
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode context-options: %w", err)
		}
		if e.Version > LatestVersion {
			return &VersionError{Version: e.Version}
		}
		m.version, m.hasVersion = e.Version, true
		ctx.Origin = e.Origin
		ctx.BrowserName = e.BrowserName
		ctx.Channel = e.Channel
		ctx.Title = e.Title
		ctx.Platform = e.Platform
		ctx.WallTime = e.WallTime
		ctx.StartTime = e.MonotonicTime
		ctx.SDKLanguage = e.SDKLanguage
		ctx.Options = e.Options
		ctx.TestIDAttributeName = e.TestIDAttributeName
		ctx.IsPrimary = true

	case "screencast-frame":
		var f snapshot.ScreencastFrame
		if err := ev.decode(&f); err != nil {
			return fmt.Errorf("decode screencast-frame: %w", err)
		}
		p := m.pageEntry(f.PageID)
		p.ScreencastFrames = append(p.ScreencastFrames, f)
		ctx.extend(f.Timestamp, f.Timestamp)

	case "before":
		var e beforeActionEvent
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode before: %w", err)
		}
		m.addAction(&ActionEntry{
			Type:           "action",
			CallID:         e.CallID,
			StartTime:      e.StartTime,
			APIName:        e.APIName,
			Title:          e.Title,
			Class:          e.Class,
			Method:         e.Method,
			Params:         e.Params,
			WallTime:       e.WallTime,
			BeforeSnapshot: e.BeforeSnapshot,
			PageID:         e.PageID,
			ParentID:       e.ParentID,
			StepID:         e.StepID,
			Log:            []LogEntry{},
		})
		ctx.extend(e.StartTime, ctx.EndTime)

	case "input":
		var e inputActionEvent
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode input: %w", err)
		}
		a, ok := m.actions[e.CallID]
		if !ok {
			return m.missingAction(typ, e.CallID)
		}
		a.InputSnapshot = e.InputSnapshot
		a.Point = e.Point

	case "log":
		var e logEvent
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode log: %w", err)
		}
		a, ok := m.actions[e.CallID]
		if !ok {
			return m.missingAction(typ, e.CallID)
		}
		a.Log = append(a.Log, LogEntry{Time: e.Time, Message: e.Message})

	case "after":
		var e afterActionEvent
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode after: %w", err)
		}
		a, ok := m.actions[e.CallID]
		if !ok {
			return m.missingAction(typ, e.CallID)
		}
		a.AfterSnapshot = e.AfterSnapshot
		a.EndTime = e.EndTime
		a.Result = e.Result
		a.Error = e.Error
		a.Attachments = e.Attachments
		if e.Point != nil {
			a.Point = e.Point
		}
		ctx.extend(ctx.StartTime, e.EndTime)

	case "action":
		// Older recorders wrote log lines as plain strings; they are dropped.
		delete(ev, "log")
		var a ActionEntry
		if err := ev.decode(&a); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
		a.Log = []LogEntry{}
		m.addAction(&a)
		ctx.extend(a.StartTime, a.EndTime)

	case "event":
		var e EventEntry
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		ctx.Events = append(ctx.Events, &e)
		ctx.extend(e.Time, e.Time)

	case "console":
		var e ConsoleEntry
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode console: %w", err)
		}
		ctx.Events = append(ctx.Events, &e)

	case "stdout", "stderr":
		var e StdioEntry
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode %s: %w", typ, err)
		}
		ctx.Stdio = append(ctx.Stdio, &e)

	case "error":
		var e ErrorEntry
		if err := ev.decode(&e); err != nil {
			return fmt.Errorf("decode error: %w", err)
		}
		ctx.Errors = append(ctx.Errors, &e)

	case "resource-snapshot":
		var res snapshot.ResourceSnapshot
		if !ev.field("snapshot", &res) {
			return fmt.Errorf("decode resource-snapshot: missing or malformed snapshot")
		}
		m.storage.AddResource(&res)
		ctx.Resources = append(ctx.Resources, &res)

	case "frame-snapshot":
		var snap snapshot.FrameSnapshot
		if err := json.Unmarshal(ev["snapshot"], &snap); err != nil {
			return fmt.Errorf("decode frame-snapshot: %w", err)
		}
		m.storage.AddFrameSnapshot(&snap, m.pageEntry(snap.PageID))
	}

	var pageID string
	if ev.field("pageId", &pageID) && pageID != "" {
		m.pageEntry(pageID)
	}
	return nil
}

func (m *Modernizer) modernize0to1(events []rawEvent) []rawEvent {
	for _, ev := range events {
		if ev.typ() != "action" {
			continue
		}
		var metadata rawEvent
		if !ev.field("metadata", &metadata) {
			continue
		}
		var msg string
		if metadata.field("error", &msg) {
			metadata.set("error", map[string]any{"error": SerializedError{Name: "Error", Message: msg}})
			ev.set("metadata", metadata)
		}
	}
	return events
}

func (m *Modernizer) modernize1to2(events []rawEvent) []rawEvent {
	for _, ev := range events {
		if ev.typ() != "frame-snapshot" {
			continue
		}
		var snap rawEvent
		var isMain bool
		if !ev.field("snapshot", &snap) || !snap.field("isMainFrame", &isMain) || !isMain {
			continue
		}
		viewport := snapshot.Viewport{Width: 1280, Height: 720}
		if vp := m.context.Options.Viewport; vp != nil {
			viewport = *vp
		}
		snap.set("viewport", viewport)
		ev.set("snapshot", snap)
	}
	return events
}

func (m *Modernizer) modernize2to3(events []rawEvent) []rawEvent {
	for _, ev := range events {
		if ev.typ() != "resource-snapshot" {
			continue
		}
		var snap rawEvent
		if !ev.field("snapshot", &snap) {
			continue
		}
		if _, ok := snap["request"]; ok {
			continue
		}
		var legacy legacyResource
		if err := snap.decode(&legacy); err != nil {
			continue
		}
		ev.set("snapshot", legacy.toHAR())
	}
	return events
}

func (m *Modernizer) modernize3to4(events []rawEvent) []rawEvent {
	result := make([]rawEvent, 0, len(events))
	for _, ev := range events {
		typ := ev.typ()
		if typ != "action" && typ != "event" {
			result = append(result, ev)
			continue
		}
		var md v3Metadata
		if !ev.field("metadata", &md) {
			continue
		}
		if md.Internal || strings.HasPrefix(md.Method, "tracing") {
			continue
		}

		if typ == "event" {
			if md.Method == "__create__" && md.Type == "ConsoleMessage" {
				var params struct {
					GUID        string          `json:"guid"`
					Initializer json.RawMessage `json:"initializer"`
				}
				_ = json.Unmarshal(md.Params, &params)
				obj := rawEvent{}
				obj.set("type", "object")
				obj.set("class", md.Type)
				obj.set("guid", params.GUID)
				obj["initializer"] = orNull(params.Initializer)
				result = append(result, obj)
				continue
			}
			out := rawEvent{}
			out.set("type", "event")
			out.set("time", md.StartTime)
			out.set("class", md.Type)
			out.set("method", md.Method)
			out["params"] = orNull(md.Params)
			out.set("pageId", md.PageID)
			result = append(result, out)
			continue
		}

		apiName := md.APIName
		if apiName == "" {
			apiName = md.Type + "." + md.Method
		}
		wallTime := md.WallTime
		if wallTime == 0 {
			wallTime = float64(m.now().UnixMilli())
		}
		a := ActionEntry{
			Type:           "action",
			CallID:         md.ID,
			StartTime:      md.StartTime,
			EndTime:        md.EndTime,
			APIName:        apiName,
			Class:          md.Type,
			Method:         md.Method,
			Params:         md.Params,
			WallTime:       wallTime,
			BeforeSnapshot: md.snapshot("before"),
			InputSnapshot:  md.snapshot("input"),
			AfterSnapshot:  md.snapshot("after"),
			Result:         md.Result,
			Point:          md.Point,
			PageID:         md.PageID,
		}
		if md.Error != nil {
			a.Error = md.Error.Error
		}
		out := rawEvent{}
		if err := out.fromStruct(a); err != nil {
			continue
		}
		out.set("log", md.Log)
		result = append(result, out)
	}
	return result
}

func (m *Modernizer) modernize4to5(events []rawEvent) []rawEvent {
	result := make([]rawEvent, 0, len(events))
	for _, ev := range events {
		typ := ev.typ()
		var class, method string
		ev.field("class", &class)
		ev.field("method", &method)

		if typ == "event" && method == "__create__" && class == "JSHandle" {
			var params struct {
				GUID        string   `json:"guid"`
				Initializer jsHandle `json:"initializer"`
			}
			if ev.field("params", &params) {
				m.jsHandles[params.GUID] = params.Initializer
			}
		}

		if typ == "object" {
			if class != "ConsoleMessage" {
				continue
			}
			var guid string
			ev.field("guid", &guid)
			var init struct {
				Type     string          `json:"type"`
				Text     string          `json:"text"`
				Location ConsoleLocation `json:"location"`
				Args     []struct {
					GUID    string          `json:"guid"`
					Preview string          `json:"preview"`
					Value   json.RawMessage `json:"value"`
				} `json:"args"`
			}
			ev.field("initializer", &init)
			obj := consoleObject{Type: init.Type, Text: init.Text, Location: init.Location}
			for _, arg := range init.Args {
				if arg.GUID != "" {
					obj.Args = append(obj.Args, ConsoleArg{Preview: m.jsHandles[arg.GUID].Preview, Value: json.RawMessage(`""`)})
					continue
				}
				value := arg.Value
				if len(value) == 0 || string(value) == "null" {
					value = json.RawMessage(`""`)
				}
				obj.Args = append(obj.Args, ConsoleArg{Preview: arg.Preview, Value: value})
			}
			m.consoleObjects[guid] = obj
			continue
		}

		if typ == "event" && method == "console" {
			var params struct {
				Message struct {
					GUID string `json:"guid"`
				} `json:"message"`
			}
			ev.field("params", &params)
			obj, ok := m.consoleObjects[params.Message.GUID]
			if !ok {
				continue
			}
			var t float64
			var pageID string
			ev.field("time", &t)
			ev.field("pageId", &pageID)
			out := rawEvent{}
			if err := out.fromStruct(ConsoleEntry{
				Type:        "console",
				Time:        t,
				PageID:      pageID,
				MessageType: obj.Type,
				Text:        obj.Text,
				Args:        obj.Args,
				Location:    obj.Location,
			}); err != nil {
				continue
			}
			result = append(result, out)
			continue
		}
		result = append(result, ev)
	}
	return result
}

func (m *Modernizer) modernize5to6(events []rawEvent) []rawEvent {
	result := make([]rawEvent, 0, len(events))
	for _, ev := range events {
		result = append(result, ev)
		if ev.typ() != "after" {
			continue
		}
		var log []string
		if !ev.field("log", &log) || len(log) == 0 {
			continue
		}
		var callID string
		ev.field("callId", &callID)
		for _, line := range log {
			l := rawEvent{}
			l.set("type", "log")
			l.set("callId", callID)
			l.set("message", line)
			l.set("time", -1)
			result = append(result, l)
		}
	}
	return result
}

func (m *Modernizer) modernize6to7(events []rawEvent) []rawEvent {
	result := make([]rawEvent, 0, len(events)+1)
	if !m.hasVersion && (len(events) == 0 || events[0].typ() != "context-options") {
		synthetic := rawEvent{}
		synthetic.set("type", "context-options")
		synthetic.set("origin", "testRunner")
		synthetic.set("version", LatestVersion)
		synthetic.set("browserName", "")
		synthetic.set("options", struct{}{})
		synthetic.set("platform", runtime.GOOS)
		synthetic.set("wallTime", 0)
		synthetic.set("monotonicTime", 0)
		synthetic.set("sdkLanguage", "javascript")
		result = append(result, synthetic)
	}
	for _, ev := range events {
		typ := ev.typ()
		if typ == "context-options" {
			ev.set("monotonicTime", 0)
			ev.set("origin", "library")
			result = append(result, ev)
			continue
		}
		if typ == "before" {
			var wallTime, startTime float64
			ev.field("wallTime", &wallTime)
			ev.field("startTime", &startTime)
			if m.context.WallTime == 0 {
				m.context.WallTime = wallTime
			}
			if m.context.StartTime == 0 {
				m.context.StartTime = startTime
			}
		}
		result = append(result, ev)
	}
	return result
}

// fromStruct replaces e's fields with the JSON fields of v.
func (e rawEvent) fromStruct(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &e)
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
