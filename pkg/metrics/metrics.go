// Package metrics provides Prometheus instrumentation for the target.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the target.
type Metrics struct {
	RecordsTotal    prometheus.Counter
	BatchesTotal    prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RequestBytes    prometheus.Histogram
	Retries         prometheus.Counter
	PendingRequests prometheus.Gauge
	StatesEmitted   prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all target metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "target_stitch_records_total",
			Help: "Total record and activate_version messages buffered.",
		}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "target_stitch_batches_total",
			Help: "Total batches flushed to the configured sinks.",
		}),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "target_stitch_requests_total",
				Help: "Total Gate POST attempts by response status.",
			},
			[]string{"status"},
		),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "target_stitch_request_duration_seconds",
			Help:    "Gate POST latency distribution.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		RequestBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "target_stitch_request_bytes",
			Help:    "Serialized request body sizes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "target_stitch_retries_total",
			Help: "Total backoff retries after retryable Gate responses.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "target_stitch_pending_requests",
			Help: "Requests submitted to the Gate and not yet completed.",
		}),
		StatesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "target_stitch_states_emitted_total",
			Help: "State checkpoints written to stdout.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.RecordsTotal,
		m.BatchesTotal,
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestBytes,
		m.Retries,
		m.PendingRequests,
		m.StatesEmitted,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one completed Gate POST attempt.
func (m *Metrics) RecordRequest(statusCode, bodyBytes int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	m.RequestDuration.Observe(duration.Seconds())
	m.RequestBytes.Observe(float64(bodyBytes))
}

// RecordBatch records one flushed batch.
func (m *Metrics) RecordBatch(messageCount int) {
	m.BatchesTotal.Inc()
	m.RecordsTotal.Add(float64(messageCount))
}
