package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	chunksTranscribed     prometheus.Counter
	chunksFailed          prometheus.Counter
	transcriptionRetries  prometheus.Counter
	summariesCreated      prometheus.Counter
	activeSessionQueues   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionscribe_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionscribe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionscribe_upstream_requests_total",
				Help: "Total upstream OpenAI-compatible API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionscribe_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		chunksTranscribed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionscribe_chunks_transcribed_total",
				Help: "Number of transcript chunks whose text was finalized.",
			},
		),
		chunksFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionscribe_chunks_failed_total",
				Help: "Number of chunks whose transcription failed after retries and kept placeholder text.",
			},
		),
		transcriptionRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionscribe_transcription_retries_total",
				Help: "Number of transcription attempts retried after a transient upstream failure.",
			},
		),
		summariesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionscribe_summaries_created_total",
				Help: "Number of session summaries created.",
			},
		),
		activeSessionQueues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionscribe_active_session_queues",
				Help: "Number of per-session transcription queues currently live.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.chunksTranscribed,
		m.chunksFailed,
		m.transcriptionRetries,
		m.summariesCreated,
		m.activeSessionQueues,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) IncChunkTranscribed() {
	if m == nil {
		return
	}
	m.chunksTranscribed.Inc()
}

func (m *Metrics) IncChunkFailed() {
	if m == nil {
		return
	}
	m.chunksFailed.Inc()
}

func (m *Metrics) IncTranscriptionRetry() {
	if m == nil {
		return
	}
	m.transcriptionRetries.Inc()
}

func (m *Metrics) IncSummaryCreated() {
	if m == nil {
		return
	}
	m.summariesCreated.Inc()
}

func (m *Metrics) SetActiveSessionQueues(n int) {
	if m == nil {
		return
	}
	m.activeSessionQueues.Set(float64(n))
}
