package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the rolling statistics service.
type Metrics struct {
	// Ingestion
	TradesIngested prometheus.Counter
	TradesIgnored  prometheus.Counter
	Symbols        prometheus.Gauge
	IngestLagMs    prometheus.Histogram

	// Publication
	PublishCycleMs   prometheus.Histogram
	RecordsPublished prometheus.Counter
	PublishRetries   prometheus.Counter
	RecordsPending   prometheus.Gauge
	RecordsDropped   prometheus.Counter

	// Raw trade relay
	BroadcastQueued  prometheus.Gauge
	BroadcastDropped prometheus.Counter

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TradesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "rollingstats_trades_ingested_total",
			Help: "Total number of trades routed to symbol windows",
		}),

		// Trades carrying a parser sentinel in price or volume
		TradesIgnored: f.NewCounter(prometheus.CounterOpts{
			Name: "rollingstats_trades_ignored_total",
			Help: "Total number of trades ignored by the windows because of unparsable fields",
		}),

		Symbols: f.NewGauge(prometheus.GaugeOpts{
			Name: "rollingstats_symbols",
			Help: "Number of symbols with live windows",
		}),

		IngestLagMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollingstats_ingest_lag_ms",
			Help:    "Time between trade timestamp and ingestion in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 5000},
		}),

		PublishCycleMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollingstats_publish_cycle_ms",
			Help:    "Duration of one publication cycle in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		RecordsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "rollingstats_records_published_total",
			Help: "Total number of summary records handed to the transport",
		}),

		PublishRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "rollingstats_publish_retries_total",
			Help: "Total number of transport send retries",
		}),

		RecordsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "rollingstats_records_requeued",
			Help: "Number of summary records waiting for the next cycle after send failures",
		}),

		RecordsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "rollingstats_records_dropped_total",
			Help: "Total number of summary records dropped after exhausting retries and requeue capacity",
		}),

		BroadcastQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "rollingstats_broadcast_queued",
			Help: "Number of raw trades waiting for a WebSocket subscriber",
		}),

		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "rollingstats_broadcast_dropped_total",
			Help: "Total number of raw trades dropped because the relay queue was full",
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollingstats_errors_total",
			Help: "Total number of errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

// RecordTradeIngested counts a routed trade and its lag.
func (m *Metrics) RecordTradeIngested(lagMs float64) {
	m.TradesIngested.Inc()
	m.IngestLagMs.Observe(lagMs)
}

// RecordTradeIgnored counts a trade skipped by a window.
func (m *Metrics) RecordTradeIgnored() {
	m.TradesIgnored.Inc()
}

// RecordSymbols sets the number of live symbols.
func (m *Metrics) RecordSymbols(n int) {
	m.Symbols.Set(float64(n))
}

// RecordPublishCycle records the duration of one publication cycle.
func (m *Metrics) RecordPublishCycle(latencyMs float64) {
	m.PublishCycleMs.Observe(latencyMs)
}

// RecordPublished counts a record accepted by the transport.
func (m *Metrics) RecordPublished() {
	m.RecordsPublished.Inc()
}

// RecordRetry counts a send retry.
func (m *Metrics) RecordRetry() {
	m.PublishRetries.Inc()
}

// RecordPending sets the number of requeued records.
func (m *Metrics) RecordPending(n int) {
	m.RecordsPending.Set(float64(n))
}

// RecordDropped counts a dropped record.
func (m *Metrics) RecordDropped() {
	m.RecordsDropped.Inc()
}

// RecordBroadcastQueued sets the relay queue depth.
func (m *Metrics) RecordBroadcastQueued(n int) {
	m.BroadcastQueued.Set(float64(n))
}

// RecordBroadcastDropped counts a trade evicted from the relay queue.
func (m *Metrics) RecordBroadcastDropped() {
	m.BroadcastDropped.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
