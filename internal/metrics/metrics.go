// Package metrics exposes Prometheus collectors for the trace viewer server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TracesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traceview_traces_loaded_total",
		Help: "Traces loaded successfully",
	})

	TraceLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traceview_trace_load_errors_total",
		Help: "Trace loads that failed",
	})

	TraceLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "traceview_trace_load_seconds",
		Help:    "Time spent loading a trace",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	LoadedTraces = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "traceview_loaded_traces",
		Help: "Traces currently held in memory",
	})

	RenderCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traceview_render_cache_hits_total",
		Help: "Snapshot renders served from the render cache",
	})

	RenderCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traceview_render_cache_misses_total",
		Help: "Snapshot renders that had to be computed",
	})

	ResourcesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceview_resources_served_total",
		Help: "Recorded resources served to snapshots, by response status",
	}, []string{"status"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
