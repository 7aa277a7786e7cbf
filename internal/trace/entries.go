// Package trace defines the in-memory trace model and the migration pipeline
// that upgrades recorded trace events of any supported format version to the
// current one.
package trace

import (
	"encoding/json"

	"github.com/fakeyudi/traceview/internal/snapshot"
)

// maxSafeInteger is the initial context start time: any recorded time is
// smaller and replaces it.
const maxSafeInteger = 9007199254740991

// ContextEntry is one loaded browser context: a single trace shard.
type ContextEntry struct {
	Origin              string                       `json:"origin"`
	TraceURL            string                       `json:"traceUrl"`
	StartTime           float64                      `json:"startTime"`
	EndTime             float64                      `json:"endTime"`
	BrowserName         string                       `json:"browserName"`
	Channel             string                       `json:"channel,omitempty"`
	Platform            string                       `json:"platform,omitempty"`
	WallTime            float64                      `json:"wallTime"`
	SDKLanguage         string                       `json:"sdkLanguage,omitempty"`
	TestIDAttributeName string                       `json:"testIdAttributeName,omitempty"`
	Title               string                       `json:"title,omitempty"`
	Options             ContextOptions               `json:"options"`
	Pages               []*PageEntry                 `json:"pages"`
	Resources           []*snapshot.ResourceSnapshot `json:"resources"`
	Actions             []*ActionEntry               `json:"actions"`
	Events              []Event                      `json:"events"`
	Errors              []*ErrorEntry                `json:"errors"`
	Stdio               []*StdioEntry                `json:"stdio"`
	HasSource           bool                         `json:"hasSource"`
	IsPrimary           bool                         `json:"isPrimary"`
}

// NewContextEntry returns an empty context whose start and end times are
// ready to be narrowed by recorded events.
func NewContextEntry(traceURL string) *ContextEntry {
	return &ContextEntry{
		Origin:    "testRunner",
		TraceURL:  traceURL,
		StartTime: maxSafeInteger,
		Pages:     []*PageEntry{},
		Resources: []*snapshot.ResourceSnapshot{},
		Actions:   []*ActionEntry{},
		Events:    []Event{},
		Errors:    []*ErrorEntry{},
		Stdio:     []*StdioEntry{},
	}
}

// Bounded reports whether any recorded event narrowed the context's time
// range.
func (c *ContextEntry) Bounded() bool {
	return c.StartTime != maxSafeInteger
}

func (c *ContextEntry) extend(start, end float64) {
	if start < c.StartTime {
		c.StartTime = start
	}
	if end > c.EndTime {
		c.EndTime = end
	}
}

// ContextOptions is the subset of browser context options the viewer uses.
type ContextOptions struct {
	Viewport          *snapshot.Viewport `json:"viewport,omitempty"`
	DeviceScaleFactor float64            `json:"deviceScaleFactor,omitempty"`
	IsMobile          bool               `json:"isMobile,omitempty"`
	UserAgent         string             `json:"userAgent,omitempty"`
	BaseURL           string             `json:"baseURL,omitempty"`
	Locale            string             `json:"locale,omitempty"`
}

// PageEntry holds the screencast of one page.
type PageEntry struct {
	PageID           string                     `json:"pageId"`
	ScreencastFrames []snapshot.ScreencastFrame `json:"screencastFrames"`
}

// Frames implements snapshot.FrameSource.
func (p *PageEntry) Frames() []snapshot.ScreencastFrame { return p.ScreencastFrames }

// Point is a pointer position in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SerializedError is an error thrown by an action.
type SerializedError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogEntry is one progress log line of an action.
type LogEntry struct {
	Time    float64 `json:"time"`
	Message string  `json:"message"`
}

// StackFrame is one frame of a client-side call stack.
type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Function string `json:"function,omitempty"`
}

// Attachment is a file attached to an action, stored by sha1 in the archive.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Path        string `json:"path,omitempty"`
	SHA1        string `json:"sha1,omitempty"`
	Base64      string `json:"base64,omitempty"`
}

// ActionEntry is one API call recorded in the trace.
type ActionEntry struct {
	Type           string           `json:"type,omitempty"`
	CallID         string           `json:"callId"`
	StartTime      float64          `json:"startTime"`
	EndTime        float64          `json:"endTime"`
	APIName        string           `json:"apiName,omitempty"`
	Title          string           `json:"title,omitempty"`
	Class          string           `json:"class"`
	Method         string           `json:"method"`
	Params         json.RawMessage  `json:"params,omitempty"`
	WallTime       float64          `json:"wallTime,omitempty"`
	BeforeSnapshot string           `json:"beforeSnapshot,omitempty"`
	InputSnapshot  string           `json:"inputSnapshot,omitempty"`
	AfterSnapshot  string           `json:"afterSnapshot,omitempty"`
	Log            []LogEntry       `json:"log"`
	Error          *SerializedError `json:"error,omitempty"`
	Result         json.RawMessage  `json:"result,omitempty"`
	Point          *Point           `json:"point,omitempty"`
	PageID         string           `json:"pageId,omitempty"`
	ParentID       string           `json:"parentId,omitempty"`
	StepID         string           `json:"stepId,omitempty"`
	Attachments    []Attachment     `json:"attachments,omitempty"`
	Stack          []StackFrame     `json:"stack,omitempty"`
}

// Event is an entry in ContextEntry.Events: an *EventEntry or a
// *ConsoleEntry.
type Event interface {
	EventTime() float64
}

// EventEntry is a protocol event such as a dialog or download.
type EventEntry struct {
	Type   string          `json:"type"`
	Time   float64         `json:"time"`
	Class  string          `json:"class"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	PageID string          `json:"pageId,omitempty"`
}

func (e *EventEntry) EventTime() float64 { return e.Time }

// ConsoleArg is one argument of a console message.
type ConsoleArg struct {
	Preview string          `json:"preview"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// ConsoleLocation is the source location of a console message.
type ConsoleLocation struct {
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// ConsoleEntry is a console message logged by a page.
type ConsoleEntry struct {
	Type        string          `json:"type"`
	Time        float64         `json:"time"`
	PageID      string          `json:"pageId,omitempty"`
	MessageType string          `json:"messageType"`
	Text        string          `json:"text"`
	Args        []ConsoleArg    `json:"args,omitempty"`
	Location    ConsoleLocation `json:"location"`
}

func (e *ConsoleEntry) EventTime() float64 { return e.Time }

// ErrorEntry is an uncaught error reported by the test runner.
type ErrorEntry struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Stack   []StackFrame `json:"stack,omitempty"`
}

// StdioEntry is a chunk of test runner stdout or stderr.
type StdioEntry struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text,omitempty"`
	Base64    string  `json:"base64,omitempty"`
}
