// Package router is the HTTP front of the trace viewer. Requests under the
// scope prefix are viewer API calls; any other request is treated as a
// sub-resource fetched by a rendered snapshot and answered from the recorded
// network log of the trace named by the snapshot's URL.
package router

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fakeyudi/traceview/internal/metrics"
	"github.com/fakeyudi/traceview/internal/rewrite"
)

const (
	// ClientHeader carries the viewer client id.
	ClientHeader = "X-Trace-Client"
	// ClientCookie carries the viewer client id when the header is absent.
	ClientCookie = "tv_client"
)

// DefaultScope is the path prefix of the viewer API.
const DefaultScope = "/trace/"

// Config configures a Router.
type Config struct {
	Scope string
	// HTTPS reports that the viewer is served over https.
	HTTPS bool
	// Metrics serves the Prometheus registry at /metrics.
	Metrics bool
	// Fallback serves requests the router does not handle, such as the
	// viewer's static assets. Defaults to 404.
	Fallback http.Handler
	Logger   *zap.Logger
}

// Router dispatches viewer requests to the traces held by a Registry.
type Router struct {
	registry *Registry
	cfg      Config
	logger   *zap.Logger
}

// New returns a Router over registry.
func New(registry *Registry, cfg Config) *Router {
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if !strings.HasSuffix(cfg.Scope, "/") {
		cfg.Scope += "/"
	}
	if cfg.Fallback == nil {
		cfg.Fallback = http.NotFoundHandler()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{registry: registry, cfg: cfg, logger: cfg.Logger}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		// Tunnelled https cannot be answered from the recording without
		// terminating TLS; only plain http proxy requests are served.
		rt.logger.Warn("refusing CONNECT tunnel", zap.String("host", req.Host))
		http.Error(w, "CONNECT is not supported: recorded https resources are served only to plain http proxy requests", http.StatusNotImplemented)
		return
	}
	if strings.HasSuffix(req.URL.Scheme, "-extension") {
		rt.cfg.Fallback.ServeHTTP(w, req)
		return
	}
	if !req.URL.IsAbs() {
		if rt.cfg.Metrics && req.URL.Path == "/metrics" {
			metrics.Handler().ServeHTTP(w, req)
			return
		}
		if strings.HasPrefix(req.URL.Path, rt.cfg.Scope) {
			rt.serveScoped(w, req)
			return
		}
	}
	rt.serveSubresource(w, req)
}

func (rt *Router) clientID(w http.ResponseWriter, req *http.Request, mint bool) string {
	if id := req.Header.Get(ClientHeader); id != "" {
		return id
	}
	if c, err := req.Cookie(ClientCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if !mint {
		return ""
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   rt.cfg.HTTPS,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// requestURL reconstructs the absolute URL the client asked for.
func (rt *Router) requestURL(req *http.Request) *url.URL {
	if req.URL.IsAbs() {
		u := *req.URL
		return &u
	}
	scheme := "http"
	if rt.cfg.HTTPS || req.TLS != nil {
		scheme = "https"
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     req.Host,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
}

func (rt *Router) serveScoped(w http.ResponseWriter, req *http.Request) {
	id := rt.clientID(w, req, true)
	rt.registry.Touch(id)

	u := rt.requestURL(req)
	if unwrapped := rewrite.UnwrapPopoutURL(u.String()); unwrapped != u.String() {
		if p, err := u.Parse(unwrapped); err == nil {
			u = p
		}
	}
	if !strings.HasPrefix(u.Path, rt.cfg.Scope) {
		rt.cfg.Fallback.ServeHTTP(w, req)
		return
	}
	relative := u.Path[len(rt.cfg.Scope)-1:]
	params := u.Query()
	ctx := req.Context()

	switch {
	case relative == "/ping":
		rt.registry.GC()
		w.WriteHeader(http.StatusOK)

	case relative == "/contexts":
		traceURL := params.Get("trace")
		if traceURL == "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "missing trace parameter"})
			return
		}
		limit, _ := strconv.Atoi(params.Get("limit"))
		t, err := rt.registry.Load(ctx, id, traceURL, params.Get("traceFileName"), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, t.Model.ContextEntries)

	case relative == "/progress":
		var p Progress
		if tracker, ok := rt.registry.Progress().(interface {
			Latest(string) (Progress, bool)
		}); ok {
			p, _ = tracker.Latest(id)
		}
		writeJSON(w, http.StatusOK, p)

	case strings.HasPrefix(relative, "/snapshotInfo/"):
		t, ok := rt.trace(params)
		if !ok {
			http.NotFound(w, req)
			return
		}
		t.Server.ServeSnapshotInfo(strings.TrimPrefix(relative, "/snapshotInfo"), params).Write(w)

	case strings.HasPrefix(relative, "/snapshot/"):
		t, ok := rt.trace(params)
		if !ok {
			http.NotFound(w, req)
			return
		}
		resp := t.Server.ServeSnapshot(strings.TrimPrefix(relative, "/snapshot"), params, u.String())
		// Sub-resources find their snapshot through the full Referer.
		resp.Header.Set("Referrer-Policy", "unsafe-url")
		if rt.cfg.HTTPS {
			resp.Header.Set("Content-Security-Policy", "upgrade-insecure-requests")
		}
		resp.Write(w)

	case strings.HasPrefix(relative, "/closest-screenshot/"):
		t, ok := rt.trace(params)
		if !ok {
			http.NotFound(w, req)
			return
		}
		resp, err := t.Server.ServeClosestScreenshot(ctx, strings.TrimPrefix(relative, "/closest-screenshot"), params)
		if err != nil {
			rt.abort(req, err)
		}
		resp.Write(w)

	case strings.HasPrefix(relative, "/sha1/"):
		rt.serveSHA1(w, req, strings.TrimPrefix(relative, "/sha1/"), params)

	case strings.HasPrefix(relative, "/file/"):
		files, err := rt.registry.FileServer(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp, err := files.ServeFile(ctx, params.Get("path"))
		if err != nil {
			rt.logger.Error("serve file failed", zap.String("path", params.Get("path")), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Write(w)

	default:
		rt.cfg.Fallback.ServeHTTP(w, req)
	}
}

func (rt *Router) trace(params url.Values) (*Trace, bool) {
	return rt.registry.Trace(params.Get("trace"))
}

// serveSHA1 serves a blob from whichever loaded trace holds it. dn and dct
// turn the response into a download.
func (rt *Router) serveSHA1(w http.ResponseWriter, req *http.Request, sha1 string, params url.Values) {
	for _, t := range rt.registry.Traces() {
		blob, err := t.Model.ResourceForSHA1(req.Context(), sha1)
		if err != nil {
			rt.logger.Warn("read blob failed", zap.String("trace", t.URL), zap.String("sha1", sha1), zap.Error(err))
			continue
		}
		if blob == nil {
			continue
		}
		contentType := blob.Type
		if contentType == "" {
			if att, ok := t.Model.AttachmentForSHA1(sha1); ok {
				contentType = att.ContentType
			}
		}
		if name := params.Get("dn"); name != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="attachment"; filename*=UTF-8''`+encodeURIComponent(name))
			if dct := params.Get("dct"); dct != "" {
				contentType = dct
			}
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(blob.Data)
		return
	}
	http.NotFound(w, req)
}

// encodeURIComponent percent-encodes every byte except ASCII letters,
// digits and -_.!~*'(), matching the JavaScript function of that name.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			strings.IndexByte("-_.!~*'()", c) >= 0:
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0x0f])
		}
	}
	return sb.String()
}

// serveSubresource answers a request issued by a rendered snapshot. The
// snapshot is identified by the Referer of the request.
func (rt *Router) serveSubresource(w http.ResponseWriter, req *http.Request) {
	referer := req.Referer()
	if referer == "" {
		rt.cfg.Fallback.ServeHTTP(w, req)
		return
	}
	if id := rt.clientID(w, req, false); id != "" {
		rt.registry.Touch(id)
	}
	snapshotURL, err := url.Parse(rewrite.UnwrapPopoutURL(referer))
	if err != nil {
		rt.cfg.Fallback.ServeHTTP(w, req)
		return
	}
	traceURL := snapshotURL.Query().Get("trace")
	if traceURL == "" {
		rt.cfg.Fallback.ServeHTTP(w, req)
		return
	}
	t, ok := rt.registry.Trace(traceURL)
	if !ok {
		http.NotFound(w, req)
		return
	}

	requestURL := rt.requestURL(req).String()
	candidates := []string{requestURL}
	if rt.cfg.HTTPS && strings.HasPrefix(requestURL, "https:") {
		candidates = append(candidates, "http:"+strings.TrimPrefix(requestURL, "https:"))
	}
	resp, err := t.Server.ServeResource(req.Context(), candidates, req.Method, snapshotURL.String())
	if err != nil {
		rt.abort(req, err)
	}
	resp.Write(w)
}

// abort fails the request without a response, the way a failed fetch looks
// to the snapshot. It does not return.
func (rt *Router) abort(req *http.Request, err error) {
	rt.logger.Warn("aborting request", zap.String("url", req.URL.String()), zap.Error(err))
	panic(http.ErrAbortHandler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
