package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Feed metrics
	TicksReceived   prometheus.Counter
	TicksDropped    *prometheus.CounterVec
	Reconnects      prometheus.Counter
	ConnectionState prometheus.Gauge

	// Queue metrics
	QueueDepth      prometheus.Gauge
	EmergencyDrains prometheus.Counter

	// Consumer metrics
	BatchSize     prometheus.Histogram
	BatchLatency  prometheus.Histogram
	UpsertErrors  *prometheus.CounterVec
	RowsUpserted  *prometheus.CounterVec
	TickDelay     prometheus.Histogram
	AcquireErrors prometheus.Counter

	// Host metrics
	CPUPercent    prometheus.Gauge
	MemoryPercent prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tickstream"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TicksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_received_total",
			Help:      "Total number of ticks received from the feed",
		}),
		TicksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "ticks_dropped_total",
			Help:      "Ticks dropped before persistence by reason",
		}, []string{"reason"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnect attempts",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connection_state",
			Help:      "Current supervisor state (0=disconnected .. 5=closed)",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of envelopes waiting in the tick queue",
		}),
		EmergencyDrains: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "emergency_drains_total",
			Help:      "Total number of emergency drain cycles",
		}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "batch_size",
			Help:      "Envelopes per processed batch",
			Buckets:   []float64{1, 5, 10, 25, 35, 50, 75, 100, 150, 300},
		}),
		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "batch_latency_seconds",
			Help:      "Time spent applying a batch to the store",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		UpsertErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "upsert_errors_total",
			Help:      "Failed upsert calls by path",
		}, []string{"path"}),
		RowsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows_upserted_total",
			Help:      "Rows written by path",
		}, []string{"path"}),
		TickDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "tick_delay_seconds",
			Help:      "Processing time minus exchange timestamp",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AcquireErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connection_acquire_errors_total",
			Help:      "Failed attempts to acquire a consumer connection",
		}),

		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU utilization",
		}),
		MemoryPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "memory_percent",
			Help:      "Last sampled memory utilization",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
