// Package server answers snapshot, snapshot info, screenshot and resource
// requests for one loaded trace.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fakeyudi/traceview/internal/metrics"
	"github.com/fakeyudi/traceview/internal/model"
	"github.com/fakeyudi/traceview/internal/snapshot"
)

// ResourceLoader returns the archive body stored under a sha1. A nil blob
// and nil error mean the body is absent.
type ResourceLoader interface {
	ResourceForSHA1(ctx context.Context, sha1 string) (*model.Blob, error)
}

// Response is a fully buffered HTTP response. A nil Body writes no body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Write sends r to w.
func (r *Response) Write(w http.ResponseWriter) {
	for k, v := range r.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(r.Status)
	if r.Body != nil {
		_, _ = w.Write(r.Body)
	}
}

func notFound() *Response {
	return &Response{Status: http.StatusNotFound, Header: http.Header{}}
}

const cacheForever = "public, max-age=31536000"

// SnapshotServer serves the snapshots and resources of one trace.
type SnapshotServer struct {
	storage *snapshot.Storage
	loader  ResourceLoader
	logger  *zap.Logger

	mu sync.Mutex
	// snapshotIDs maps the URL a snapshot was served under to its renderer,
	// so resource requests can find the snapshot that issued them.
	snapshotIDs map[string]*snapshot.Renderer
}

// New returns a SnapshotServer over storage. logger may be nil.
func New(storage *snapshot.Storage, loader ResourceLoader, logger *zap.Logger) *SnapshotServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotServer{
		storage:     storage,
		loader:      loader,
		logger:      logger,
		snapshotIDs: make(map[string]*snapshot.Renderer),
	}
}

// lookup resolves "/<pageOrFrameId>[/...]" and the name query parameter.
func (s *SnapshotServer) lookup(pathname string, params url.Values) (*snapshot.Renderer, bool) {
	id, _, _ := strings.Cut(strings.TrimPrefix(pathname, "/"), "/")
	name := params.Get("name")
	r, ok := s.storage.SnapshotByName(id, name)
	if !ok {
		s.logger.Debug("snapshot not found", zap.String("id", id), zap.String("name", name))
	}
	return r, ok
}

// ServeSnapshot renders the snapshot named by pathname and params and
// remembers it as the snapshot displayed at snapshotURL.
func (s *SnapshotServer) ServeSnapshot(pathname string, params url.Values, snapshotURL string) *Response {
	r, ok := s.lookup(pathname, params)
	if !ok {
		return notFound()
	}
	rendered := r.Render()

	s.mu.Lock()
	s.snapshotIDs[snapshotURL] = r
	s.mu.Unlock()

	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &Response{Status: http.StatusOK, Header: h, Body: []byte(rendered.HTML)}
}

type snapshotInfo struct {
	Viewport  snapshot.Viewport `json:"viewport"`
	URL       string            `json:"url"`
	Timestamp float64           `json:"timestamp"`
	WallTime  float64           `json:"wallTime,omitempty"`
}

// ServeSnapshotInfo describes a snapshot. The answer is always a cacheable
// 200, with an error field when the snapshot does not exist.
func (s *SnapshotServer) ServeSnapshotInfo(pathname string, params url.Values) *Response {
	var info any = map[string]string{"error": "No snapshot found"}
	if r, ok := s.lookup(pathname, params); ok {
		snap := r.Snapshot()
		info = snapshotInfo{Viewport: r.Viewport(), URL: snap.FrameURL, Timestamp: snap.Timestamp, WallTime: snap.WallTime}
	}
	body, err := json.Marshal(info)
	if err != nil {
		// Only plain strings and numbers are encoded.
		panic(err)
	}
	h := http.Header{}
	h.Set("Cache-Control", cacheForever)
	h.Set("Content-Type", "application/json")
	return &Response{Status: http.StatusOK, Header: h, Body: body}
}

// ServeClosestScreenshot returns the screencast frame recorded closest to
// the snapshot, typed as the archive recorded it.
func (s *SnapshotServer) ServeClosestScreenshot(ctx context.Context, pathname string, params url.Values) (*Response, error) {
	r, ok := s.lookup(pathname, params)
	if !ok {
		return notFound(), nil
	}
	sha1, ok := r.ClosestScreenshot()
	if !ok || sha1 == "" {
		return notFound(), nil
	}
	blob, err := s.loader.ResourceForSHA1(ctx, sha1)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return notFound(), nil
	}
	h := http.Header{}
	if blob.Type != "" {
		h.Set("Content-Type", blob.Type)
	}
	return &Response{Status: http.StatusOK, Header: h, Body: blob.Data}, nil
}

var textContentType = regexp.MustCompile(`^text/|^application/(javascript|json)`)

// ServeResource answers a sub-resource request issued by the snapshot
// displayed at snapshotURL. Candidates are tried in order and the first
// recorded match wins. The recorded headers are replayed except for
// Content-Encoding, since bodies are stored decoded.
func (s *SnapshotServer) ServeResource(ctx context.Context, candidates []string, method, snapshotURL string) (*Response, error) {
	s.mu.Lock()
	r := s.snapshotIDs[snapshotURL]
	s.mu.Unlock()

	var res *snapshot.ResourceSnapshot
	if r != nil {
		for _, candidate := range candidates {
			if found, ok := r.ResourceByURL(removeHash(candidate), method); ok {
				res = found
				break
			}
		}
	}
	if res == nil {
		metrics.ResourcesServed.WithLabelValues(strconv.Itoa(http.StatusNotFound)).Inc()
		return notFound(), nil
	}

	status := res.Response.Status
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("resource %s: recorded status %d cannot be replayed", res.Request.URL, status)
	}

	body := []byte{}
	if sha1 := res.Response.Content.SHA1; sha1 != "" {
		blob, err := s.loader.ResourceForSHA1(ctx, sha1)
		if err != nil {
			return nil, err
		}
		if blob != nil {
			body = blob.Data
		}
	}

	contentType := res.Response.Content.MimeType
	if textContentType.MatchString(contentType) && !strings.Contains(contentType, "charset") {
		contentType += "; charset=utf-8"
	}
	h := http.Header{}
	if contentType != "" && contentType != "x-unknown" {
		h.Set("Content-Type", contentType)
	}
	for _, header := range res.Response.Headers {
		h.Set(header.Name, header.Value)
	}
	h.Del("Content-Encoding")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", cacheForever)

	metrics.ResourcesServed.WithLabelValues(strconv.Itoa(status)).Inc()
	switch status {
	case http.StatusSwitchingProtocols, http.StatusNoContent, http.StatusResetContent, http.StatusNotModified:
		h.Del("Content-Length")
		return &Response{Status: status, Header: h}, nil
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{Status: status, Header: h, Body: body}, nil
}

func removeHash(u string) string {
	before, _, _ := strings.Cut(u, "#")
	return before
}
