// Package metrics provides Prometheus instrumentation for the session engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studypartner"

// Recorder holds the collectors. A nil *Recorder is valid and records nothing,
// so components can be built without instrumentation in tests.
type Recorder struct {
	registry *prometheus.Registry

	cacheLookups       *prometheus.CounterVec
	cacheSize          prometheus.Gauge
	persistTotal       *prometheus.CounterVec
	completionTotal    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	fallbackTotal      *prometheus.CounterVec
	transitionTotal    *prometheus.CounterVec
	libraryLookups     *prometheus.CounterVec
}

// New creates a Recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_cache",
			Name:      "lookups_total",
			Help:      "Session resolutions by outcome (hit, hydrated, not_found, error).",
		}, []string{"result"}),
		cacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session_cache",
			Name:      "entries",
			Help:      "Sessions currently held in memory.",
		}),
		persistTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_cache",
			Name:      "persist_total",
			Help:      "Write-through persists by status.",
		}, []string{"status"}),
		completionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "requests_total",
			Help:      "Completion provider requests by model, purpose and status.",
		}, []string{"model", "purpose", "status"}),
		completionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "request_duration_seconds",
			Help:      "Completion provider latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model", "purpose"}),
		fallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "fallbacks_total",
			Help:      "Templated fallbacks served instead of generated content, by call site.",
		}, []string{"call_site"}),
		transitionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progression",
			Name:      "transitions_total",
			Help:      "State machine transitions by machine and transition name.",
		}, []string{"machine", "transition"}),
		libraryLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "problem_library",
			Name:      "lookups_total",
			Help:      "Problem library lookups by outcome (hit, already_used, generated, error).",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// CacheLookup counts a session resolution outcome.
func (r *Recorder) CacheLookup(result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// CacheSize sets the in-memory session count.
func (r *Recorder) CacheSize(n int) {
	if r == nil {
		return
	}
	r.cacheSize.Set(float64(n))
}

// Persist counts a write-through attempt.
func (r *Recorder) Persist(ok bool) {
	if r == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	r.persistTotal.WithLabelValues(status).Inc()
}

// Completion records a finished completion provider request.
func (r *Recorder) Completion(model, purpose string, err error, d time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.completionTotal.WithLabelValues(model, purpose, status).Inc()
	r.completionDuration.WithLabelValues(model, purpose).Observe(d.Seconds())
}

// Fallback counts a templated fallback at a call site.
func (r *Recorder) Fallback(callSite string) {
	if r == nil {
		return
	}
	r.fallbackTotal.WithLabelValues(callSite).Inc()
}

// Transition counts a state machine transition.
func (r *Recorder) Transition(machine, transition string) {
	if r == nil {
		return
	}
	r.transitionTotal.WithLabelValues(machine, transition).Inc()
}

// LibraryLookup counts a problem library lookup outcome.
func (r *Recorder) LibraryLookup(result string) {
	if r == nil {
		return
	}
	r.libraryLookups.WithLabelValues(result).Inc()
}
