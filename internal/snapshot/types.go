// Package snapshot stores recorded DOM snapshots and network resources and
// renders snapshots back to standalone HTML.
package snapshot

import (
	"encoding/json"
	"sync"
)

// Viewport is the page size a snapshot was taken at.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResourceOverride replaces the body of a resource for one snapshot. Ref is
// set instead of SHA1 when the body is unchanged from an earlier snapshot.
type ResourceOverride struct {
	URL  string `json:"url"`
	SHA1 string `json:"sha1,omitempty"`
	Ref  *int   `json:"ref,omitempty"`
}

// FrameSnapshot is one recorded DOM state of a frame.
type FrameSnapshot struct {
	SnapshotName      string             `json:"snapshotName,omitempty"`
	CallID            string             `json:"callId"`
	PageID            string             `json:"pageId"`
	FrameID           string             `json:"frameId"`
	FrameURL          string             `json:"frameUrl"`
	Timestamp         float64            `json:"timestamp"`
	WallTime          float64            `json:"wallTime,omitempty"`
	CollectionTime    float64            `json:"collectionTime"`
	Doctype           string             `json:"doctype,omitempty"`
	HTML              Node               `json:"html"`
	ResourceOverrides []ResourceOverride `json:"resourceOverrides"`
	Viewport          Viewport           `json:"viewport"`
	IsMainFrame       bool               `json:"isMainFrame"`

	nodesOnce sync.Once
	nodes     []*Node
}

// Nodes returns the snapshot's text and element nodes in post-order: every
// node's children precede the node itself. Reference nodes index into this
// list. The result is computed once.
func (s *FrameSnapshot) Nodes() []*Node {
	s.nodesOnce.Do(func() {
		var visit func(n *Node)
		visit = func(n *Node) {
			switch n.Kind {
			case TextNode:
				s.nodes = append(s.nodes, n)
			case ElementNode:
				for _, c := range n.Children {
					visit(c)
				}
				s.nodes = append(s.nodes, n)
			}
		}
		visit(&s.HTML)
	})
	return s.nodes
}

// Header is a recorded HTTP header or query parameter.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PostData is a recorded request body.
type PostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	SHA1     string `json:"_sha1,omitempty"`
}

// Request is the request half of a recorded resource.
type Request struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     json.RawMessage `json:"cookies,omitempty"`
	Headers     []Header        `json:"headers"`
	QueryString []Header        `json:"queryString"`
	PostData    *PostData       `json:"postData,omitempty"`
	HeadersSize int             `json:"headersSize"`
	BodySize    int             `json:"bodySize"`
}

// Content describes a recorded response body. The body itself lives in the
// trace archive under resources/<SHA1>.
type Content struct {
	Size        int    `json:"size"`
	MimeType    string `json:"mimeType"`
	Compression int    `json:"compression,omitempty"`
	Text        string `json:"text,omitempty"`
	SHA1        string `json:"_sha1,omitempty"`
}

// Response is the response half of a recorded resource.
type Response struct {
	Status       int             `json:"status"`
	StatusText   string          `json:"statusText"`
	HTTPVersion  string          `json:"httpVersion"`
	Cookies      json.RawMessage `json:"cookies,omitempty"`
	Headers      []Header        `json:"headers"`
	Content      Content         `json:"content"`
	RedirectURL  string          `json:"redirectURL"`
	HeadersSize  int             `json:"headersSize"`
	BodySize     int             `json:"bodySize"`
	TransferSize int             `json:"_transferSize,omitempty"`
}

// ResourceSnapshot is a recorded request/response pair in HAR form.
type ResourceSnapshot struct {
	PageRef         string          `json:"pageref,omitempty"`
	StartedDateTime string          `json:"startedDateTime,omitempty"`
	Time            float64         `json:"time"`
	Request         Request         `json:"request"`
	Response        Response        `json:"response"`
	Timings         json.RawMessage `json:"timings,omitempty"`
	ServerIPAddress string          `json:"serverIPAddress,omitempty"`
	MonotonicTime   *float64        `json:"_monotonicTime,omitempty"`
	FrameRef        string          `json:"_frameref,omitempty"`
}

func (r *ResourceSnapshot) monotonicTime() float64 {
	if r.MonotonicTime == nil {
		return 0
	}
	return *r.MonotonicTime
}

// ScreencastFrame is one screenshot from a page's screencast.
type ScreencastFrame struct {
	PageID            string   `json:"pageId"`
	SHA1              string   `json:"sha1"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	Timestamp         float64  `json:"timestamp"`
	FrameSwapWallTime *float64 `json:"frameSwapWallTime,omitempty"`
}

// FrameSource exposes a page's screencast frames. Frames may still be
// appended while the trace is loading, so renderers hold the source rather
// than a copy of the slice.
type FrameSource interface {
	Frames() []ScreencastFrame
}

// Rendered is the output of rendering one snapshot.
type Rendered struct {
	HTML    string
	PageID  string
	FrameID string
	Index   int
}
