package api

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runlog_http_requests_total",
		Help: "HTTP requests by method and status class",
	}, []string{"method", "class"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runlog_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method"})

	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runlog_operations_total",
		Help: "Operations received by outcome (applied, duplicate, rejected)",
	}, []string{"outcome"})

	openProjectStores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runlog_open_project_stores",
		Help: "Project attribute databases currently open",
	})
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	opsApplied    atomic.Int64
	opsDuplicate  atomic.Int64
	opsRejected   atomic.Int64
	fetchRequests atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	OpsApplied    int64   `json:"ops_applied"`
	OpsDuplicate  int64   `json:"ops_duplicate"`
	OpsRejected   int64   `json:"ops_rejected"`
	FetchRequests int64   `json:"fetch_requests"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordOps records the outcome of one ops request.
func (m *Metrics) RecordOps(applied, duplicate int, rejected bool) {
	m.opsApplied.Add(int64(applied))
	m.opsDuplicate.Add(int64(duplicate))
	opsTotal.WithLabelValues("applied").Add(float64(applied))
	opsTotal.WithLabelValues("duplicate").Add(float64(duplicate))
	if rejected {
		m.opsRejected.Add(1)
		opsTotal.WithLabelValues("rejected").Inc()
	}
}

// RecordFetch increments the fetch request counter.
func (m *Metrics) RecordFetch() {
	m.fetchRequests.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		OpsApplied:    m.opsApplied.Load(),
		OpsDuplicate:  m.opsDuplicate.Load(),
		OpsRejected:   m.opsRejected.Load(),
		FetchRequests: m.fetchRequests.Load(),
	}
}
