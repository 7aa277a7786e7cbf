package snapshot

import (
	_ "embed"
	"encoding/json"
	"math"
	"strings"

	"github.com/fakeyudi/traceview/internal/metrics"
	"github.com/fakeyudi/traceview/internal/rewrite"
)

var (
	//go:embed injected.js
	injectedScript string
	//go:embed unwrap.js
	unwrapScript string
)

const (
	currentSrcAttr = "__playwright_current_src__"
	frameSrcAttr   = "__playwright_src__"
)

var voidElements = map[string]bool{
	"AREA": true, "BASE": true, "BR": true, "COL": true, "COMMAND": true,
	"EMBED": true, "HR": true, "IMG": true, "INPUT": true, "KEYGEN": true,
	"LINK": true, "MENUITEM": true, "META": true, "PARAM": true,
	"SOURCE": true, "TRACK": true, "WBR": true,
}

// Renderer renders one frame snapshot. Renderers are created by Storage and
// share its render cache.
type Renderer struct {
	storage  *Storage
	bucket   *frameBucket
	index    int
	snapshot *FrameSnapshot
	frames   FrameSource
}

// Snapshot returns the snapshot this renderer renders.
func (r *Renderer) Snapshot() *FrameSnapshot { return r.snapshot }

// Viewport returns the recorded viewport.
func (r *Renderer) Viewport() Viewport { return r.snapshot.Viewport }

// Index returns the snapshot's position within its frame.
func (r *Renderer) Index() int { return r.index }

// Render produces the snapshot as a self-contained HTML document. Output is
// cached by the owning Storage.
func (r *Renderer) Render() Rendered {
	html, hit := r.storage.cache.Lookup(r, func() (string, int) {
		s := r.render()
		return s, len(s)
	})
	if hit {
		metrics.RenderCacheHits.Inc()
	} else {
		metrics.RenderCacheMisses.Inc()
	}
	return Rendered{
		HTML:    html,
		PageID:  r.snapshot.PageID,
		FrameID: r.snapshot.FrameID,
		Index:   r.index,
	}
}

func (r *Renderer) render() string {
	v := &visitor{bucket: r.bucket, active: make(map[*Node]bool)}
	v.visit(&r.snapshot.HTML, r.index, "", nil)

	var sb strings.Builder
	if r.snapshot.Doctype != "" {
		sb.WriteString("<!DOCTYPE " + r.snapshot.Doctype + ">")
	}
	sb.WriteString("<style>*,*::before,*::after { visibility: hidden }</style>")
	sb.WriteString("<script>")
	sb.WriteString(r.script())
	sb.WriteString("</script>")
	sb.WriteString(v.sb.String())
	return sb.String()
}

func (r *Renderer) script() string {
	viewport, _ := json.Marshal(r.snapshot.Viewport)
	args := []string{strings.TrimSpace(unwrapScript), string(viewport)}
	for _, id := range []string{r.snapshot.CallID, r.snapshot.SnapshotName} {
		if id == "" {
			continue
		}
		quoted, _ := json.Marshal(id)
		args = append(args, string(quoted))
	}
	return "\n(" + strings.TrimSpace(injectedScript) + ")(" + strings.Join(args, ", ") + ")"
}

type visitor struct {
	sb     strings.Builder
	bucket *frameBucket
	// active holds the nodes on the current path so a corrupt delta of 0
	// that points at an ancestor cannot recurse forever.
	active map[*Node]bool
}

func (v *visitor) visit(n *Node, snapshotIndex int, parentTag string, parentAttrs []Attr) {
	if v.active[n] {
		return
	}
	v.active[n] = true
	defer delete(v.active, n)

	switch n.Kind {
	case TextNode:
		if strings.EqualFold(parentTag, "STYLE") {
			v.sb.WriteString(rewrite.EscapeStyleSheetURLs(rewrite.StyleSheetURLs(n.Text)))
		} else {
			v.sb.WriteString(EscapeHTML(n.Text))
		}
	case RefNode:
		target := snapshotIndex - n.Delta
		if target < 0 || target > snapshotIndex {
			return
		}
		nodes := v.bucket.raw[target].Nodes()
		if n.Index < 0 || n.Index >= len(nodes) {
			return
		}
		v.visit(nodes[n.Index], target, parentTag, parentAttrs)
	case ElementNode:
		v.visitElement(n, snapshotIndex, parentTag, parentAttrs)
	}
}

func (v *visitor) visitElement(n *Node, snapshotIndex int, parentTag string, parentAttrs []Attr) {
	tag := n.Tag
	if tag == "NOSCRIPT" {
		tag = "X-NOSCRIPT"
	}
	isFrame := tag == "IFRAME" || tag == "FRAME"
	isAnchor := tag == "A"
	isImg := tag == "IMG"
	hideSrc := (isImg && hasAttr(n.Attrs, currentSrcAttr)) ||
		(tag == "SOURCE" && parentTag == "PICTURE" && hasAttr(parentAttrs, currentSrcAttr))

	v.sb.WriteString("<" + tag)
	for _, a := range n.Attrs {
		lower := strings.ToLower(a.Name)
		name := a.Name
		if isFrame && lower == "src" {
			name = frameSrcAttr
		}
		if isImg && a.Name == currentSrcAttr {
			name = "src"
		}
		if (lower == "src" || lower == "srcset") && hideSrc {
			name = "_" + name
		}

		value := a.Value
		switch {
		case isAnchor && lower == "href":
			value = "link://" + value
		case lower == "href" || lower == "src" || a.Name == currentSrcAttr:
			value = rewrite.URLForCustomProtocol(value)
		}
		v.sb.WriteString(" " + name + `="` + EscapeHTMLAttribute(value) + `"`)
	}
	v.sb.WriteString(">")
	for _, c := range n.Children {
		v.visit(c, snapshotIndex, tag, n.Attrs)
	}
	if !voidElements[tag] {
		v.sb.WriteString("</" + tag + ">")
	}
}

func hasAttr(attrs []Attr, name string) bool {
	for _, a := range attrs {
		if a.Name == name {
			return true
		}
	}
	return false
}

// ClosestScreenshot returns the sha1 of the page screencast frame closest in
// time to the snapshot.
func (r *Renderer) ClosestScreenshot() (string, bool) {
	if r.frames == nil {
		return "", false
	}
	frames := r.frames.Frames()
	if len(frames) == 0 {
		return "", false
	}
	var f ScreencastFrame
	if r.snapshot.WallTime != 0 && frames[0].FrameSwapWallTime != nil {
		f = findClosest(frames, func(f ScreencastFrame) float64 {
			if f.FrameSwapWallTime == nil {
				return 0
			}
			return *f.FrameSwapWallTime
		}, r.snapshot.WallTime)
	} else {
		f = findClosest(frames, func(f ScreencastFrame) float64 { return f.Timestamp }, r.snapshot.Timestamp)
	}
	return f.SHA1, true
}

// findClosest scans frames in order and stops at the first frame that is
// strictly closer to target than its successor. frames must not be empty.
func findClosest(frames []ScreencastFrame, metric func(ScreencastFrame) float64, target float64) ScreencastFrame {
	for i := 0; i < len(frames)-1; i++ {
		if math.Abs(metric(frames[i])-target) < math.Abs(metric(frames[i+1])-target) {
			return frames[i]
		}
	}
	return frames[len(frames)-1]
}

// ResourceByURL finds the resource a snapshot would have loaded for url,
// considering only resources recorded before the snapshot. A resource from
// the snapshot's own frame wins over one from any other frame.
func (r *Renderer) ResourceByURL(url, method string) (*ResourceSnapshot, bool) {
	var sameFrame, otherFrame *ResourceSnapshot
	for _, res := range r.storage.resources {
		if res.MonotonicTime != nil && *res.MonotonicTime >= r.snapshot.Timestamp {
			break
		}
		if res.Response.Status == 304 {
			// A 304 has no body to serve; an earlier 200 carries it.
			continue
		}
		if res.Request.URL == url && res.Request.Method == method {
			if res.FrameRef == r.snapshot.FrameID {
				sameFrame = res
			} else {
				otherFrame = res
			}
		}
	}

	result := sameFrame
	if result == nil {
		result = otherFrame
	}
	if result == nil {
		return nil, false
	}

	if strings.ToUpper(method) == "GET" {
		for _, o := range r.snapshot.ResourceOverrides {
			if o.URL != url || o.SHA1 == "" {
				continue
			}
			clone := *result
			clone.Response.Content.SHA1 = o.SHA1
			result = &clone
			break
		}
	}
	return result, true
}
