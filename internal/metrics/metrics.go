// Package metrics holds the prometheus collectors for the compositor and
// the history manager. Collectors live on a private registry so several
// editors can run in one process; a nil *Metrics is a valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixelstack"

// Metrics bundles every collector.
type Metrics struct {
	registry *prometheus.Registry

	renders        *prometheus.CounterVec
	renderDuration prometheus.Histogram
	layersDrawn    prometheus.Counter
	layersCulled   prometheus.Counter
	cullFallbacks  prometheus.Counter
	transfers      *prometheus.CounterVec

	captures       *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	entries        prometheus.Gauge
	residentEntry  prometheus.Gauge
	encodedBytes   prometheus.Histogram
	restoreLatency prometheus.Histogram
}

// New creates the collectors on a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		renders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_renders_total",
			Help:      "Recomposites by result",
		}, []string{"result"}),
		renderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "composite_render_duration_seconds",
			Help:      "Duration of a full recomposite",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}),
		layersDrawn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_layers_drawn_total",
			Help:      "Layers drawn across all recomposites",
		}),
		layersCulled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_layers_culled_total",
			Help:      "Visible layers skipped by viewport culling",
		}),
		cullFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_cull_fallbacks_total",
			Help:      "Recomposites where culling removed every visible layer",
		}),
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_transfers_total",
			Help:      "Offscreen transfers by kind (full, regions, fallback)",
		}, []string{"kind"}),

		captures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_captures_total",
			Help:      "History captures by trigger (coalesced, immediate)",
		}, []string{"trigger"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_evictions_total",
			Help:      "Eviction attempts by result (spilled, kept, failed)",
		}, []string{"result"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "Durable fetches on undo/redo by result (ok, lost)",
		}, []string{"result"}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "Entries in the timeline",
		}),
		residentEntry: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_resident_entries",
			Help:      "Timeline entries held in memory",
		}),
		encodedBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_encoded_bytes",
			Help:      "Size of encoded entries written to the durable store",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		restoreLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_restore_duration_seconds",
			Help:      "Undo/redo latency including fetch and recomposite",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRender records one recomposite.
func (m *Metrics) ObserveRender(d time.Duration, drawn, culled int, fallback bool, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.renders.WithLabelValues("error").Inc()
		return
	}
	m.renders.WithLabelValues("ok").Inc()
	m.renderDuration.Observe(d.Seconds())
	m.layersDrawn.Add(float64(drawn))
	m.layersCulled.Add(float64(culled))
	if fallback {
		m.cullFallbacks.Inc()
	}
}

// Transfer counts an offscreen transfer of the given kind.
func (m *Metrics) Transfer(kind string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(kind).Inc()
}

// Capture counts a history capture.
func (m *Metrics) Capture(trigger string) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(trigger).Inc()
}

// Eviction counts an eviction attempt and, when spilled, its encoded size.
func (m *Metrics) Eviction(result string, size int) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(result).Inc()
	if size > 0 {
		m.encodedBytes.Observe(float64(size))
	}
}

// Fetch counts a durable read made by undo or redo.
func (m *Metrics) Fetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

// Timeline sets the entry gauges.
func (m *Metrics) Timeline(total, resident int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(total))
	m.residentEntry.Set(float64(resident))
}

// ObserveRestore records undo/redo latency.
func (m *Metrics) ObserveRestore(d time.Duration) {
	if m == nil {
		return
	}
	m.restoreLatency.Observe(d.Seconds())
}
