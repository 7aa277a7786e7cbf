package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fakeyudi/traceview/internal/backend"
	"github.com/fakeyudi/traceview/internal/metrics"
	"github.com/fakeyudi/traceview/internal/model"
	"github.com/fakeyudi/traceview/internal/server"
	"github.com/fakeyudi/traceview/internal/trace"
)

// Trace is a loaded trace and the server answering for it.
type Trace struct {
	URL    string
	Model  *model.TraceModel
	Server *server.SnapshotServer
}

func (t *Trace) close() {
	if c, ok := t.Model.Backend().(io.Closer); ok {
		_ = c.Close()
	}
}

// OpenFunc returns the backend for a trace URL.
type OpenFunc func(ctx context.Context, traceURL string) (model.Backend, error)

// Options configures a Registry.
type Options struct {
	// Open defaults to backend.Open with HTTPClient.
	Open       OpenFunc
	HTTPClient *http.Client

	CacheBytes     int
	MissingActions trace.MissingActionPolicy

	// IdleTimeout is how long a client may go unseen before GC forgets it.
	// Zero keeps clients forever.
	IdleTimeout time.Duration
	// GCInterval is the sweep period used by Start.
	GCInterval time.Duration

	Progress ProgressReporter
	// FileServer is registered for every new client. May be nil.
	FileServer FileServer

	Logger *zap.Logger
	Now    func() time.Time
}

type client struct {
	lastSeen time.Time
	// traces holds trace URLs, least recently requested first.
	traces []string
	limit  int
	files  FileServer
}

func (c *client) use(traceURL string) {
	for i, u := range c.traces {
		if u == traceURL {
			c.traces = append(c.traces[:i], c.traces[i+1:]...)
			break
		}
	}
	c.traces = append(c.traces, traceURL)
}

// Registry tracks loaded traces and the clients that use them. A trace stays
// loaded while at least one live client retains it.
type Registry struct {
	opts   Options
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	traces  map[string]*Trace
	order   []string
	clients map[string]*client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Open == nil {
		client := opts.HTTPClient
		opts.Open = func(ctx context.Context, traceURL string) (model.Backend, error) {
			return backend.Open(ctx, traceURL, client)
		}
	}
	if opts.Progress == nil {
		opts.Progress = NewProgressTracker(opts.Logger)
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = time.Minute
	}
	return &Registry{
		opts:    opts,
		logger:  opts.Logger,
		traces:  make(map[string]*Trace),
		clients: make(map[string]*client),
	}
}

func (r *Registry) clientLocked(id string) *client {
	c, ok := r.clients[id]
	if !ok {
		c = &client{files: r.opts.FileServer}
		r.clients[id] = c
	}
	c.lastSeen = r.opts.Now()
	return c
}

// Touch marks a client as alive.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	r.clientLocked(clientID)
	r.mu.Unlock()
}

// Progress returns the reporter that receives load progress.
func (r *Registry) Progress() ProgressReporter { return r.opts.Progress }

// RegisterFileServer serves /file/ requests of clientID from fs.
func (r *Registry) RegisterFileServer(clientID string, fs FileServer) {
	r.mu.Lock()
	r.clientLocked(clientID).files = fs
	r.mu.Unlock()
}

// FileServer returns the file server registered for clientID.
func (r *Registry) FileServer(clientID string) (FileServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok || c.files == nil {
		return nil, ErrNoFileServer
	}
	return c.files, nil
}

// Trace returns the loaded trace for traceURL.
func (r *Registry) Trace(traceURL string) (*Trace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[traceURL]
	return t, ok
}

// Traces returns every loaded trace in load order.
func (r *Registry) Traces() []*Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Trace, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, r.traces[u])
	}
	return out
}

// Load makes traceURL available to clientID, loading it unless an archive
// that cannot change is already loaded. limit, when positive, caps how many
// traces the client retains. traceFileName names the trace in error
// messages. Concurrent loads of one URL share a single load.
func (r *Registry) Load(ctx context.Context, clientID, traceURL, traceFileName string, limit int) (*Trace, error) {
	r.GC()

	r.mu.Lock()
	c := r.clientLocked(clientID)
	if limit > 0 {
		c.limit = limit
	}
	c.use(traceURL)
	existing := r.traces[traceURL]
	r.mu.Unlock()

	if existing != nil && !existing.Model.Backend().IsLive() {
		return existing, nil
	}

	v, err, _ := r.group.Do(traceURL, func() (any, error) {
		return r.load(context.WithoutCancel(ctx), clientID, traceURL)
	})
	if err != nil {
		return nil, loadError(traceURL, traceFileName, err)
	}
	return v.(*Trace), nil
}

func (r *Registry) load(ctx context.Context, clientID, traceURL string) (*Trace, error) {
	start := r.opts.Now()
	logger := r.logger.With(zap.String("trace", traceURL))
	logger.Info("loading trace")

	b, err := r.opts.Open(ctx, traceURL)
	if err != nil {
		metrics.TraceLoadErrors.Inc()
		logger.Error("open trace failed", zap.Error(err))
		return nil, err
	}
	m := model.New(model.Options{
		CacheBytes:     r.opts.CacheBytes,
		MissingActions: r.opts.MissingActions,
		Logger:         logger,
	})
	err = m.Load(ctx, b, func(done, total int) {
		r.opts.Progress.Report(clientID, Progress{Done: done, Total: total})
	})
	if err != nil {
		if c, ok := b.(io.Closer); ok {
			_ = c.Close()
		}
		metrics.TraceLoadErrors.Inc()
		logger.Error("load trace failed", zap.Error(err))
		return nil, err
	}

	t := &Trace{URL: traceURL, Model: m, Server: server.New(m.Storage(), m, logger)}
	r.mu.Lock()
	old, replaced := r.traces[traceURL]
	r.traces[traceURL] = t
	if !replaced {
		r.order = append(r.order, traceURL)
	}
	metrics.LoadedTraces.Set(float64(len(r.traces)))
	r.mu.Unlock()
	if old != nil {
		old.close()
	}

	elapsed := r.opts.Now().Sub(start)
	metrics.TracesLoaded.Inc()
	metrics.TraceLoadDuration.Observe(elapsed.Seconds())
	logger.Info("trace loaded",
		zap.Int("contexts", len(m.ContextEntries)),
		zap.Duration("duration", elapsed))
	return t, nil
}

// LoadError is a trace load failure worded for the viewer.
type LoadError struct {
	Message string
	Err     error
}

func (e *LoadError) Error() string { return e.Message }

func (e *LoadError) Unwrap() error { return e.Err }

func loadError(traceURL, traceFileName string, err error) error {
	name := traceFileName
	if name == "" {
		name = traceURL
	}
	var versionErr *trace.VersionError
	switch {
	case errors.Is(err, model.ErrHTMLReport):
		return &LoadError{Message: err.Error(), Err: err}
	case errors.As(err, &versionErr):
		return &LoadError{Message: fmt.Sprintf("Could not load trace from %s. %s", name, versionErr.Error()), Err: err}
	case traceFileName != "":
		return &LoadError{Message: fmt.Sprintf("Could not load trace from %s. Make sure to upload a valid Playwright trace. (%v)", name, err), Err: err}
	}
	return &LoadError{
		Message: fmt.Sprintf("Could not load trace from %s. Make sure a valid Playwright Trace is accessible over this url. (%v)", name, err),
		Err:     err,
	}
}

// GC forgets clients idle for longer than the idle timeout, trims each
// remaining client to its retention limit and unloads every trace no client
// retains.
func (r *Registry) GC() {
	r.mu.Lock()
	now := r.opts.Now()
	retained := make(map[string]bool)
	var forgotten []string
	for id, c := range r.clients {
		if r.opts.IdleTimeout > 0 && now.Sub(c.lastSeen) > r.opts.IdleTimeout {
			delete(r.clients, id)
			forgotten = append(forgotten, id)
			continue
		}
		if c.limit > 0 && len(c.traces) > c.limit {
			c.traces = append([]string(nil), c.traces[len(c.traces)-c.limit:]...)
		}
		for _, u := range c.traces {
			retained[u] = true
		}
	}

	var unloaded []*Trace
	order := r.order[:0]
	for _, u := range r.order {
		if retained[u] {
			order = append(order, u)
			continue
		}
		unloaded = append(unloaded, r.traces[u])
		delete(r.traces, u)
	}
	r.order = order
	metrics.LoadedTraces.Set(float64(len(r.traces)))
	r.mu.Unlock()

	for _, id := range forgotten {
		if f, ok := r.opts.Progress.(interface{ Forget(string) }); ok {
			f.Forget(id)
		}
		r.logger.Debug("forgot idle client", zap.String("client", id))
	}
	for _, t := range unloaded {
		t.close()
		r.logger.Info("unloaded trace", zap.String("trace", t.URL))
	}
}

// Start sweeps idle clients every GCInterval until ctx is cancelled or Close
// is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.opts.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.GC()
			}
		}
	}()
}

// Close stops the sweeper and unloads every trace.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
	r.mu.Lock()
	traces := r.traces
	r.traces = make(map[string]*Trace)
	r.order = nil
	metrics.LoadedTraces.Set(0)
	r.mu.Unlock()
	for _, t := range traces {
		t.close()
	}
}
