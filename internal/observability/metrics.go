package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the storage engine. The sink
// receives counters and timings; it never influences control flow.
type Metrics struct {
	registry *prometheus.Registry

	StoresTotal   *prometheus.CounterVec
	SearchesTotal *prometheus.CounterVec
	DeletesTotal  *prometheus.CounterVec

	BackendLatency *prometheus.HistogramVec

	DegradedTransitionsTotal *prometheus.CounterVec
	OrphanedBlobsTotal       prometheus.Counter
	EmbeddingBackfillPending prometheus.Gauge

	SummariesCreatedTotal prometheus.Counter
	RecordsRetiredTotal   prometheus.Counter
	RecordsPurgedTotal    prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		StoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echovault_stores_total",
				Help: "Total store operations by outcome",
			},
			[]string{"outcome"},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echovault_searches_total",
				Help: "Total search operations by serving path",
			},
			[]string{"path"},
		),
		DeletesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echovault_deletes_total",
				Help: "Total delete operations by outcome",
			},
			[]string{"outcome"},
		),
		BackendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "echovault_backend_latency_seconds",
				Help:    "Latency of backend calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
		DegradedTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echovault_degraded_transitions_total",
				Help: "Backend state transitions into degraded mode",
			},
			[]string{"backend"},
		),
		OrphanedBlobsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "echovault_orphaned_blobs_total",
				Help: "Blobs left behind by deletes and queued for sweep",
			},
		),
		EmbeddingBackfillPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "echovault_embedding_backfill_pending",
				Help: "Records stored without an embedding awaiting backfill",
			},
		),
		SummariesCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "echovault_summaries_created_total",
				Help: "Summary records created by the lifecycle manager",
			},
		),
		RecordsRetiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "echovault_records_retired_total",
				Help: "Records retired after summarization",
			},
		),
		RecordsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "echovault_records_purged_total",
				Help: "Records removed by retention purge",
			},
		),
	}

	registry.MustRegister(
		m.StoresTotal,
		m.SearchesTotal,
		m.DeletesTotal,
		m.BackendLatency,
		m.DegradedTransitionsTotal,
		m.OrphanedBlobsTotal,
		m.EmbeddingBackfillPending,
		m.SummariesCreatedTotal,
		m.RecordsRetiredTotal,
		m.RecordsPurgedTotal,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
