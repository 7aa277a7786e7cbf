package snapshot

import (
	"sort"

	"github.com/fakeyudi/traceview/internal/lru"
	"github.com/fakeyudi/traceview/internal/rewrite"
)

// DefaultCacheBytes bounds the rendered-HTML cache of a Storage.
const DefaultCacheBytes = 100 << 20

type frameBucket struct {
	raw       []*FrameSnapshot
	renderers []*Renderer
}

// Storage holds every resource and frame snapshot of one trace. It is filled
// while the trace loads and read-only afterwards.
type Storage struct {
	cache     *lru.Cache[*Renderer, string]
	resources []*ResourceSnapshot
	frames    map[string]*frameBucket
}

// NewStorage returns an empty Storage whose rendered HTML is cached up to
// cacheBytes. A non-positive cacheBytes selects DefaultCacheBytes.
func NewStorage(cacheBytes int) *Storage {
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}
	return &Storage{
		cache:  lru.New[*Renderer, string](cacheBytes),
		frames: make(map[string]*frameBucket),
	}
}

// AddResource records res, rewriting its request URL so it matches the
// rewritten URLs in rendered snapshots.
func (s *Storage) AddResource(res *ResourceSnapshot) {
	res.Request.URL = rewrite.URLForCustomProtocol(res.Request.URL)
	s.resources = append(s.resources, res)
}

// AddFrameSnapshot records snap and returns its renderer. frames supplies the
// owning page's screencast and may be nil.
func (s *Storage) AddFrameSnapshot(snap *FrameSnapshot, frames FrameSource) *Renderer {
	for i := range snap.ResourceOverrides {
		snap.ResourceOverrides[i].URL = rewrite.URLForCustomProtocol(snap.ResourceOverrides[i].URL)
	}
	b, ok := s.frames[snap.FrameID]
	if !ok {
		b = &frameBucket{}
		s.frames[snap.FrameID] = b
		if snap.IsMainFrame {
			s.frames[snap.PageID] = b
		}
	}
	b.raw = append(b.raw, snap)
	r := &Renderer{
		storage:  s,
		bucket:   b,
		index:    len(b.raw) - 1,
		snapshot: snap,
		frames:   frames,
	}
	b.renderers = append(b.renderers, r)
	return r
}

// Resources returns the recorded resources.
func (s *Storage) Resources() []*ResourceSnapshot { return s.resources }

// SnapshotByName looks up a snapshot by page or frame id and snapshot name.
func (s *Storage) SnapshotByName(pageOrFrameID, name string) (*Renderer, bool) {
	b, ok := s.frames[pageOrFrameID]
	if !ok {
		return nil, false
	}
	for _, r := range b.renderers {
		if r.snapshot.SnapshotName == name {
			return r, true
		}
	}
	return nil, false
}

// Finalize orders resources by monotonic time. Resources without a time
// sort as time zero; ties keep recording order.
func (s *Storage) Finalize() {
	sort.SliceStable(s.resources, func(i, j int) bool {
		return s.resources[i].monotonicTime() < s.resources[j].monotonicTime()
	})
}
