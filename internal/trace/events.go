package trace

import (
	"encoding/json"

	"github.com/fakeyudi/traceview/internal/snapshot"
)

// rawEvent is one trace line decoded only one level deep. Migration steps
// edit fields in place; nested values such as snapshot html stay as raw JSON
// so attribute order is never disturbed.
type rawEvent map[string]json.RawMessage

func (e rawEvent) typ() string {
	var s string
	e.field("type", &s)
	return s
}

// field decodes the named field into v and reports whether it was present
// and well-formed.
func (e rawEvent) field(name string, v any) bool {
	raw, ok := e[name]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (e rawEvent) set(name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		// Every value set by a migration step is plain data.
		panic(err)
	}
	e[name] = b
}

// decode re-encodes the event into the typed struct v.
func (e rawEvent) decode(v any) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type contextOptionsEvent struct {
	Version             int            `json:"version"`
	Origin              string         `json:"origin"`
	BrowserName         string         `json:"browserName"`
	Channel             string         `json:"channel,omitempty"`
	Platform            string         `json:"platform,omitempty"`
	WallTime            float64        `json:"wallTime"`
	MonotonicTime       float64        `json:"monotonicTime"`
	SDKLanguage         string         `json:"sdkLanguage,omitempty"`
	TestIDAttributeName string         `json:"testIdAttributeName,omitempty"`
	Title               string         `json:"title,omitempty"`
	Options             ContextOptions `json:"options"`
}

type beforeActionEvent struct {
	CallID         string          `json:"callId"`
	StartTime      float64         `json:"startTime"`
	APIName        string          `json:"apiName,omitempty"`
	Title          string          `json:"title,omitempty"`
	Class          string          `json:"class"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	WallTime       float64         `json:"wallTime,omitempty"`
	BeforeSnapshot string          `json:"beforeSnapshot,omitempty"`
	PageID         string          `json:"pageId,omitempty"`
	ParentID       string          `json:"parentId,omitempty"`
	StepID         string          `json:"stepId,omitempty"`
}

type inputActionEvent struct {
	CallID        string `json:"callId"`
	InputSnapshot string `json:"inputSnapshot,omitempty"`
	Point         *Point `json:"point,omitempty"`
}

type logEvent struct {
	CallID  string  `json:"callId"`
	Time    float64 `json:"time"`
	Message string  `json:"message"`
}

type afterActionEvent struct {
	CallID        string           `json:"callId"`
	EndTime       float64          `json:"endTime"`
	AfterSnapshot string           `json:"afterSnapshot,omitempty"`
	Error         *SerializedError `json:"error,omitempty"`
	Attachments   []Attachment     `json:"attachments,omitempty"`
	Result        json.RawMessage  `json:"result,omitempty"`
	Point         *Point           `json:"point,omitempty"`
}

// legacyResource is the resource-snapshot payload written before the HAR
// format was adopted.
type legacyResource struct {
	FrameID         string            `json:"frameId"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	RequestHeaders  []snapshot.Header `json:"requestHeaders"`
	RequestSHA1     string            `json:"requestSha1"`
	Status          int               `json:"status"`
	ResponseHeaders []snapshot.Header `json:"responseHeaders"`
	ContentType     string            `json:"contentType"`
	ResponseSHA1    string            `json:"responseSha1"`
	Timestamp       *float64          `json:"timestamp"`
}

func (r legacyResource) toHAR() *snapshot.ResourceSnapshot {
	res := &snapshot.ResourceSnapshot{
		FrameRef: r.FrameID,
		Request: snapshot.Request{
			URL:     r.URL,
			Method:  r.Method,
			Headers: r.RequestHeaders,
		},
		Response: snapshot.Response{
			Status:  r.Status,
			Headers: r.ResponseHeaders,
			Content: snapshot.Content{
				MimeType: r.ContentType,
				SHA1:     r.ResponseSHA1,
			},
		},
		MonotonicTime: r.Timestamp,
	}
	if r.RequestSHA1 != "" {
		res.Request.PostData = &snapshot.PostData{SHA1: r.RequestSHA1}
	}
	return res
}

// v3Metadata is the call metadata carried by action and event records before
// format version 4.
type v3Metadata struct {
	ID        string          `json:"id"`
	StartTime float64         `json:"startTime"`
	EndTime   float64         `json:"endTime"`
	APIName   string          `json:"apiName"`
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	WallTime  float64         `json:"wallTime"`
	Log       []string        `json:"log"`
	Snapshots []struct {
		Title        string `json:"title"`
		SnapshotName string `json:"snapshotName"`
	} `json:"snapshots"`
	Error *struct {
		Error *SerializedError `json:"error"`
	} `json:"error"`
	Result   json.RawMessage `json:"result"`
	Point    *Point          `json:"point"`
	PageID   string          `json:"pageId"`
	Internal bool            `json:"internal"`
}

func (m *v3Metadata) snapshot(title string) string {
	for _, s := range m.Snapshots {
		if s.Title == title {
			return s.SnapshotName
		}
	}
	return ""
}

type jsHandle struct {
	Preview string `json:"preview"`
}

type consoleObject struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Location ConsoleLocation `json:"location"`
	Args     []ConsoleArg    `json:"args,omitempty"`
}
