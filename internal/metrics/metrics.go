// Package metrics exposes ingestion pipeline metrics for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docpipe"

type Metrics struct {
	registry *prometheus.Registry

	ingestions     *prometheus.CounterVec
	chunks         prometheus.Counter
	truncated      prometheus.Counter
	vectors        prometheus.Counter
	embedLatency   prometheus.Histogram
	ingestDuration prometheus.Histogram
	deletes        *prometheus.CounterVec
	deleteWarnings *prometheus.CounterVec
	listFailOpen   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Ingestion attempts by outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks produced after the per-file ceiling.",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_files_total",
			Help:      "Files whose chunk count hit the ceiling.",
		}),
		vectors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vectors_upserted_total",
			Help:      "Vectors written to the index.",
		}),
		embedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_duration_seconds",
			Help:      "Latency of single embedding calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "End to end ingestion latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Delete requests by outcome.",
		}, []string{"outcome"}),
		deleteWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delete_warnings_total",
			Help:      "Best-effort delete steps that failed.",
		}, []string{"kind"}),
		listFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_fail_open_total",
			Help:      "File listings returned unfiltered because the inactive lookup failed.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestions, m.chunks, m.truncated, m.vectors, m.embedLatency,
		m.ingestDuration, m.deletes, m.deleteWarnings, m.listFailOpen,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IngestionFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

func (m *Metrics) Chunked(count int, truncated bool) {
	if m == nil {
		return
	}
	m.chunks.Add(float64(count))
	if truncated {
		m.truncated.Inc()
	}
}

func (m *Metrics) Upserted(count int) {
	if m == nil {
		return
	}
	m.vectors.Add(float64(count))
}

func (m *Metrics) ObserveEmbed(d time.Duration) {
	if m == nil {
		return
	}
	m.embedLatency.Observe(d.Seconds())
}

func (m *Metrics) DeleteFinished(outcome string) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeleteWarning(kind string) {
	if m == nil {
		return
	}
	m.deleteWarnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) ListFailOpen() {
	if m == nil {
		return
	}
	m.listFailOpen.Inc()
}
