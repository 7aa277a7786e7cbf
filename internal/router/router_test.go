package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/fakeyudi/traceview/internal/backend"
	"github.com/fakeyudi/traceview/internal/model"
)

const traceEvents = `{"type":"context-options","version":7,"origin":"library","browserName":"chromium","wallTime":1,"monotonicTime":0,"options":{"viewport":{"width":800,"height":600}}}
{"type":"before","callId":"call@1","startTime":1,"class":"Frame","method":"goto","pageId":"page@1"}
{"type":"screencast-frame","pageId":"page@1","sha1":"shot","width":8,"height":6,"timestamp":9}
{"type":"frame-snapshot","snapshot":{"callId":"call@1","snapshotName":"after@call@1","pageId":"page@1","frameId":"frame@1","isMainFrame":true,"frameUrl":"https://example.com/","timestamp":10,"viewport":{"width":800,"height":600},"html":["HTML",{},["HEAD",{},["LINK",{"rel":"stylesheet","href":"https://example.com/style.css"}]],["BODY",{},"hello"]],"resourceOverrides":[]}}
{"type":"after","callId":"call@1","endTime":11}`

const networkEvents = `{"type":"resource-snapshot","snapshot":{"request":{"method":"GET","url":"https://example.com/style.css","headers":[]},"response":{"status":200,"headers":[{"name":"Content-Encoding","value":"br"}],"content":{"mimeType":"text/css","_sha1":"css"}},"_monotonicTime":2,"_frameref":"frame@1"}}
{"type":"resource-snapshot","snapshot":{"request":{"method":"GET","url":"http://example.com/app.js","headers":[]},"response":{"status":200,"headers":[],"content":{"mimeType":"text/javascript"}},"_monotonicTime":3,"_frameref":"frame@1"}}
{"type":"resource-snapshot","snapshot":{"request":{"method":"GET","url":"http://example.com/aborted","headers":[]},"response":{"status":-1,"headers":[],"content":{"mimeType":""}},"_monotonicTime":4,"_frameref":"frame@1"}}`

// writeTrace lays out an unpacked trace in a temporary directory and returns
// its path.
func writeTrace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func sampleTrace(t *testing.T) string {
	return writeTrace(t, map[string]string{
		"0.trace":         traceEvents,
		"0.network":       networkEvents,
		"resources/css":   "body { color: red }",
		"resources/shot":  "\x89PNG\r\n\x1a\n",
		"resources/notes": "plain text attachment",
	})
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRouter(t *testing.T, opts Options, cfg Config) (*Router, *Registry) {
	t.Helper()
	reg := NewRegistry(opts)
	t.Cleanup(reg.Close)
	return New(reg, cfg), reg
}

func do(rt http.Handler, client, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if client != "" {
		req.Header.Set(ClientHeader, client)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	return rec
}

func contextsURL(traceURL string, extra ...string) string {
	q := url.Values{"trace": {traceURL}}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return "/trace/contexts?" + q.Encode()
}

func snapshotQuery(traceURL string) string {
	return url.Values{"trace": {traceURL}, "name": {"after@call@1"}}.Encode()
}

func TestContextsLoadsTrace(t *testing.T) {
	dir := sampleTrace(t)
	rt, _ := newTestRouter(t, Options{}, Config{})

	rec := do(rt, "c1", contextsURL(dir))
	if rec.Code != http.StatusOK {
		t.Fatalf("status mismatch: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var contexts []struct {
		BrowserName string `json:"browserName"`
		Actions     []struct {
			CallID string `json:"callId"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &contexts); err != nil {
		t.Fatal(err)
	}
	if len(contexts) != 1 || contexts[0].BrowserName != "chromium" || len(contexts[0].Actions) != 1 {
		t.Errorf("unexpected contexts %s", rec.Body.String())
	}

	rec = do(rt, "c1", "/trace/progress")
	var p Progress
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Total == 0 || p.Done != p.Total {
		t.Errorf("progress mismatch: got %+v", p)
	}
}

func TestContextsMintsClientCookie(t *testing.T) {
	rt, reg := newTestRouter(t, Options{}, Config{})

	rec := do(rt, "", "/trace/ping")
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != ClientCookie || cookies[0].Value == "" {
		t.Fatalf("expected a %s cookie, got %v", ClientCookie, cookies)
	}
	reg.RegisterFileServer(cookies[0].Value, LocalFileServer{})
	if _, err := reg.FileServer(cookies[0].Value); err != nil {
		t.Errorf("client from cookie not tracked: %v", err)
	}
}

func TestContextsReportsLoadErrors(t *testing.T) {
	empty := writeTrace(t, map[string]string{"resources/x": ""})
	report := writeTrace(t, map[string]string{"index.html": "<html>"})
	newer := writeTrace(t, map[string]string{"0.trace": `{"type":"context-options","version":99}`})
	rt, _ := newTestRouter(t, Options{}, Config{})

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"no trace param", "/trace/contexts", "missing trace parameter"},
		{"no trace file", contextsURL(empty), "Could not load trace from " + empty + ". Make sure a valid Playwright Trace is accessible over this url."},
		{"file name", contextsURL(empty, "traceFileName", "upload.zip"), "Could not load trace from upload.zip. Make sure to upload a valid Playwright trace."},
		{"html report", contextsURL(report), "Playwright HTML report"},
		{"newer version", contextsURL(newer, "traceFileName", "new.zip"), "Could not load trace from new.zip. trace format version 99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(rt, "c1", tt.target)
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status mismatch: got %d, want 500", rec.Code)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(body.Error, tt.want) {
				t.Errorf("error mismatch: got %q, want it to contain %q", body.Error, tt.want)
			}
		})
	}
}

func TestSnapshotAndSubresources(t *testing.T) {
	dir := sampleTrace(t)
	rt, _ := newTestRouter(t, Options{}, Config{})
	do(rt, "c1", contextsURL(dir))

	snapshotURL := "/trace/snapshot/page@1?" + snapshotQuery(dir)
	rec := do(rt, "c1", snapshotURL)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<BODY>hello</BODY>") {
		t.Fatalf("snapshot: got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "" {
		t.Errorf("plain http viewer should not upgrade requests, got %q", got)
	}

	// Resources are requested through the viewer acting as a proxy, with the
	// snapshot as the referrer.
	referer := "http://example.com" + snapshotURL
	rec = do(rt, "", "https://example.com/style.css", "Referer", referer)
	if rec.Code != http.StatusOK || rec.Body.String() != "body { color: red }" {
		t.Fatalf("resource: got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding should be dropped, got %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/css; charset=utf-8" {
		t.Errorf("Content-Type mismatch: got %q", got)
	}

	if rec := do(rt, "", "https://example.com/nope.css", "Referer", referer); rec.Code != http.StatusNotFound {
		t.Errorf("unrecorded resource: got %d, want 404", rec.Code)
	}
	// Without the downgrade fallback the http recording is not found.
	if rec := do(rt, "", "https://example.com/app.js", "Referer", referer); rec.Code != http.StatusNotFound {
		t.Errorf("https request for http recording: got %d, want 404", rec.Code)
	}
	other := "http://example.com/trace/snapshot/page@1?" + snapshotQuery("/not/loaded")
	if rec := do(rt, "", "https://example.com/style.css", "Referer", other); rec.Code != http.StatusNotFound {
		t.Errorf("unloaded trace: got %d, want 404", rec.Code)
	}

	rec = do(rt, "c1", "/trace/snapshotInfo/page@1?"+snapshotQuery(dir))
	if !strings.Contains(rec.Body.String(), `"url":"https://example.com/"`) {
		t.Errorf("snapshot info: got %q", rec.Body.String())
	}
	rec = do(rt, "c1", "/trace/closest-screenshot/page@1?"+snapshotQuery(dir))
	if rec.Code != http.StatusOK || rec.Body.String() != "\x89PNG\r\n\x1a\n" {
		t.Errorf("closest screenshot: got %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(rt, "c1", "/trace/snapshot/page@1?"+snapshotQuery("/not/loaded")); rec.Code != http.StatusNotFound {
		t.Errorf("snapshot of unloaded trace: got %d, want 404", rec.Code)
	}
}

func TestHTTPSViewerTriesDowngradedURL(t *testing.T) {
	dir := sampleTrace(t)
	rt, _ := newTestRouter(t, Options{}, Config{HTTPS: true})
	do(rt, "c1", contextsURL(dir))

	snapshotURL := "/trace/snapshot/page@1?" + snapshotQuery(dir)
	rec := do(rt, "c1", snapshotURL)
	if got := rec.Header().Get("Content-Security-Policy"); got != "upgrade-insecure-requests" {
		t.Errorf("CSP mismatch: got %q", got)
	}

	rec = do(rt, "", "https://example.com/app.js", "Referer", "https://example.com"+snapshotURL)
	if rec.Code != http.StatusOK {
		t.Errorf("downgraded candidate: got %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/javascript; charset=utf-8" {
		t.Errorf("Content-Type mismatch: got %q", got)
	}
}

func TestUnreplayableResourceAbortsConnection(t *testing.T) {
	dir := sampleTrace(t)
	rt, _ := newTestRouter(t, Options{}, Config{})
	srv := httptest.NewServer(rt)
	defer srv.Close()

	get := func(c *http.Client, target, referer string) (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodGet, target, nil)
		req.Header.Set(ClientHeader, "c1")
		if referer != "" {
			req.Header.Set("Referer", referer)
		}
		return c.Do(req)
	}
	resp, err := get(srv.Client(), srv.URL+contextsURL(dir), "")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	snapshotURL := srv.URL + "/trace/snapshot/page@1?" + snapshotQuery(dir)
	resp, err = get(srv.Client(), snapshotURL, "")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	proxyURL, _ := url.Parse(srv.URL)
	proxied := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	defer proxied.CloseIdleConnections()

	resp, err = get(proxied, "http://example.com/app.js", snapshotURL)
	if err != nil {
		t.Fatalf("proxied resource: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("proxied resource: got %d, want 200", resp.StatusCode)
	}

	if resp, err := get(proxied, "http://example.com/aborted", snapshotURL); err == nil {
		resp.Body.Close()
		t.Errorf("expected a failed fetch, got status %d", resp.StatusCode)
	}
}

func TestSHA1SearchesLoadedTraces(t *testing.T) {
	first := sampleTrace(t)
	second := writeTrace(t, map[string]string{
		"0.trace":         `{"type":"context-options","version":7,"browserName":"firefox"}`,
		"resources/extra": "from the second trace",
	})
	rt, _ := newTestRouter(t, Options{}, Config{})
	do(rt, "c1", contextsURL(first))
	do(rt, "c1", contextsURL(second))

	rec := do(rt, "c1", "/trace/sha1/extra")
	if rec.Code != http.StatusOK || rec.Body.String() != "from the second trace" {
		t.Errorf("sha1 lookup: got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != "" {
		t.Errorf("inline blob should have no Content-Disposition, got %q", got)
	}

	rec = do(rt, "c1", "/trace/sha1/notes?dn="+url.QueryEscape("my notes.txt")+"&dct=text/plain")
	want := `attachment; filename="attachment"; filename*=UTF-8''my%20notes.txt`
	if got := rec.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition mismatch: got %q, want %q", got, want)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type mismatch: got %q, want %q", got, "text/plain")
	}

	if rec := do(rt, "c1", "/trace/sha1/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing blob: got %d, want 404", rec.Code)
	}
}

func TestEncodeURIComponent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"my notes.txt", "my%20notes.txt"},
		{"report (final)!*'~.pdf", "report%20(final)!*'~.pdf"},
		{"a+b&c=d/e?f#g", "a%2Bb%26c%3Dd%2Fe%3Ff%23g"},
		{"naïve.txt", "na%C3%AFve.txt"},
		{"100%", "100%25"},
	}
	for _, tt := range tests {
		if got := encodeURIComponent(tt.in); got != tt.want {
			t.Errorf("encodeURIComponent(%q) mismatch: got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileRequiresRegisteredServer(t *testing.T) {
	root := writeTrace(t, map[string]string{"src/app.ts": "export {}"})
	rt, reg := newTestRouter(t, Options{}, Config{})

	rec := do(rt, "c1", "/trace/file/?path="+url.QueryEscape(filepath.Join(root, "src", "app.ts")))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), ErrNoFileServer.Error()) {
		t.Errorf("unregistered client: got %d %q", rec.Code, rec.Body.String())
	}

	reg.RegisterFileServer("c1", LocalFileServer{Root: root})
	rec = do(rt, "c1", "/trace/file/?path="+url.QueryEscape(filepath.Join(root, "src", "app.ts")))
	if rec.Code != http.StatusOK || rec.Body.String() != "export {}" {
		t.Errorf("registered client: got %d %q", rec.Code, rec.Body.String())
	}
	rec = do(rt, "c1", "/trace/file/?path="+url.QueryEscape(filepath.Join(root, "..", "escape")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("path outside root: got %d, want 404", rec.Code)
	}
}

func TestFallbackAndMetrics(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("static"))
	})
	rt, _ := newTestRouter(t, Options{}, Config{Metrics: true, Fallback: fallback})

	for _, target := range []string{"/index.html", "/trace/app.js"} {
		if rec := do(rt, "", target); rec.Body.String() != "static" {
			t.Errorf("%s: got %q, want fallback", target, rec.Body.String())
		}
	}
	rec := do(rt, "", "/metrics")
	if !strings.Contains(rec.Body.String(), "traceview_loaded_traces") {
		t.Errorf("metrics output missing gauge: %q", rec.Body.String())
	}
}

func TestPopoutURLIsUnwrapped(t *testing.T) {
	dir := sampleTrace(t)
	rt, _ := newTestRouter(t, Options{}, Config{})
	do(rt, "c1", contextsURL(dir))

	inner := "/trace/snapshot/page@1?" + snapshotQuery(dir)
	rec := do(rt, "c1", "/trace/snapshot.html?r="+url.QueryEscape(inner))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hello") {
		t.Errorf("popout: got %d %q", rec.Code, rec.Body.String())
	}
}

// Feature: traceview, Property: a trace stays loaded exactly as long as a
// live client retains it.
func TestGCUnloadsUnretainedTraces(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	first, second := sampleTrace(t), sampleTrace(t)
	rt, reg := newTestRouter(t, Options{IdleTimeout: time.Minute, Now: clk.Now}, Config{})

	do(rt, "c1", contextsURL(first, "limit", "1"))
	do(rt, "c1", contextsURL(second, "limit", "1"))
	if got := len(reg.Traces()); got != 2 {
		t.Fatalf("loaded traces: got %d, want 2", got)
	}

	do(rt, "c1", "/trace/ping")
	if _, ok := reg.Trace(first); ok {
		t.Error("trace beyond the client's limit is still loaded")
	}
	if _, ok := reg.Trace(second); !ok {
		t.Error("most recent trace was unloaded")
	}

	clk.Advance(2 * time.Minute)
	do(rt, "c2", "/trace/ping")
	if got := len(reg.Traces()); got != 0 {
		t.Errorf("idle client's traces still loaded: %d", got)
	}
}

func TestLoadReusesStaticArchives(t *testing.T) {
	dir := sampleTrace(t)
	calls := 0
	var live bool
	open := func(ctx context.Context, traceURL string) (model.Backend, error) {
		calls++
		return backend.NewDir(traceURL, traceURL, live), nil
	}
	reg := NewRegistry(Options{Open: open})
	defer reg.Close()

	ctx := context.Background()
	a, err := reg.Load(ctx, "c1", dir, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.Load(ctx, "c2", dir, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || calls != 1 {
		t.Errorf("static trace reloaded: calls=%d same=%v", calls, a == b)
	}

	live = true
	other := sampleTrace(t)
	reg.Load(ctx, "c1", other, "", 0)
	reg.Load(ctx, "c1", other, "", 0)
	if calls != 3 {
		t.Errorf("live trace should reload on every request: calls=%d, want 3", calls)
	}
}

func TestConcurrentLoadsShareOneOpen(t *testing.T) {
	dir := sampleTrace(t)
	var calls atomic.Int32
	opened := make(chan struct{}, 2)
	release := make(chan struct{})
	open := func(ctx context.Context, traceURL string) (model.Backend, error) {
		calls.Add(1)
		opened <- struct{}{}
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Live, so a second load that missed the shared one would open again.
		return backend.NewDir(traceURL, traceURL, true), nil
	}
	reg := NewRegistry(Options{Open: open})
	defer reg.Close()

	type result struct {
		trace *Trace
		err   error
	}
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan result, 1)
	go func() {
		tr, err := reg.Load(firstCtx, "c1", dir, "", 0)
		first <- result{tr, err}
	}()
	<-opened

	second := make(chan result, 1)
	go func() {
		tr, err := reg.Load(context.Background(), "c2", dir, "", 0)
		second <- result{tr, err}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		reg.mu.Lock()
		_, waiting := reg.clients["c2"]
		reg.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second load never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	// The first caller going away must not fail the load it started.
	cancelFirst()
	close(release)

	a, b := <-first, <-second
	if a.err != nil || b.err != nil {
		t.Fatalf("load errors: first=%v second=%v", a.err, b.err)
	}
	if a.trace != b.trace {
		t.Error("concurrent loads returned different traces")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Open calls mismatch: got %d, want 1", got)
	}
}

func TestConnectIsRefused(t *testing.T) {
	dir := sampleTrace(t)
	rt, _ := newTestRouter(t, Options{}, Config{})
	do(rt, "c1", contextsURL(dir))
	snapshotURL := "/trace/snapshot/page@1?" + snapshotQuery(dir)
	do(rt, "c1", snapshotURL)

	req := httptest.NewRequest(http.MethodConnect, "example.com:443", nil)
	req.Header.Set("Referer", "http://example.com"+snapshotURL)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("CONNECT status mismatch: got %d, want %d", rec.Code, http.StatusNotImplemented)
	}
}

func TestRegistryStartStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := NewRegistry(Options{GCInterval: time.Millisecond, IdleTimeout: time.Nanosecond})
	reg.Touch("c1")
	reg.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for {
		reg.mu.Lock()
		n := len(reg.clients)
		reg.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper never forgot the idle client")
		}
		time.Sleep(5 * time.Millisecond)
	}
	reg.Close()
}
