// Package observability carries the service's metrics, latency window and
// tracing setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	window   *StageWindow

	ChatRequests    *prometheus.CounterVec
	RateDecisions   *prometheus.CounterVec
	StageLatency    *prometheus.HistogramVec
	StreamedBytes   prometheus.Counter
	Writebacks      *prometheus.CounterVec
	RetrievalErrors prometheus.Counter
	SeedEvents      prometheus.Counter
	ActiveStreams   prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := factory{reg: reg, ns: namespace}

	return &Metrics{
		registry: reg,
		window:   NewStageWindow(256),
		ChatRequests: f.counterVec("chat_requests_total",
			"Chat turns by outcome.", "outcome"),
		RateDecisions: f.counterVec("rate_limit_decisions_total",
			"Rate gate decisions.", "decision"),
		StageLatency: f.histogramVec("stage_latency_ms",
			"Turn pipeline stage latency in milliseconds.",
			[]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
			"stage"),
		StreamedBytes: f.counter("streamed_bytes_total",
			"Completion bytes relayed to callers."),
		Writebacks: f.counterVec("writeback_total",
			"Writeback results; partial writebacks are labelled with the failed stage.", "result"),
		RetrievalErrors: f.counter("retrieval_degraded_total",
			"Long-term queries that failed and fell back to no recall."),
		SeedEvents: f.counter("transcript_seeds_total",
			"Transcript namespaces seeded from a persona seed."),
		ActiveStreams: f.gauge("active_streams",
			"Completion streams currently relayed."),
	}
}

// ObserveStage records d for stage in both the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.window.Observe(stage, ms)
}

// MarkIndicator counts a notable turn event in the rolling window.
func (m *Metrics) MarkIndicator(name string) {
	if m == nil {
		return
	}
	m.window.Mark(name)
}

func (m *Metrics) LatencySnapshot() StageSnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type factory struct {
	reg *prometheus.Registry
	ns  string
}

func (f factory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: f.ns, Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: f.ns, Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: f.ns, Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f factory) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: f.ns, Name: name, Help: help, Buckets: buckets}, labels)
	f.reg.MustRegister(h)
	return h
}
