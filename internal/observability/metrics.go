package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the PubMed service.
// Metrics are organized by subsystem: E-utilities requests, rate limiting,
// cache, fulltext and tool calls.
//
// A nil *Metrics is valid: every Record method becomes a no-op, so
// components can be built without a registry in tests.
type Metrics struct {
	// RequestsTotal counts HTTP requests dispatched, labeled by source, operation and status class.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes single-attempt request duration in seconds.
	RequestDuration *prometheus.HistogramVec

	// RetriesTotal counts retry attempts scheduled after a transient failure.
	RetriesTotal *prometheus.CounterVec

	// RetriesExhausted counts operations that failed after spending the attempt budget.
	RetriesExhausted *prometheus.CounterVec

	// LimiterWait observes time spent blocked on the shared rate limiter.
	LimiterWait prometheus.Histogram

	// CacheLookups counts cache lookups, labeled by kind, tier and result (hit, miss, expired).
	CacheLookups *prometheus.CounterVec

	// CacheEvictions counts entries evicted from the memory tier.
	CacheEvictions prometheus.Counter

	// CacheWrites counts entries written, labeled by kind.
	CacheWrites *prometheus.CounterVec

	// FulltextDownloads counts fulltext download outcomes (downloaded, cached, unavailable, failed).
	FulltextDownloads *prometheus.CounterVec

	// FulltextBytes counts bytes written to the fulltext library.
	FulltextBytes prometheus.Counter

	// ToolCalls counts facade calls, labeled by tool and result.
	ToolCalls *prometheus.CounterVec

	// ToolDuration observes facade call duration in seconds, labeled by tool.
	ToolDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance registered with reg. The
// namespace is used as a prefix for all metric names. A nil reg registers
// with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Requests
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests by source, operation and status class",
		}, []string{"source", "operation", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of single outbound HTTP request attempts in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source", "operation"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retries scheduled after transient failures",
		}, []string{"source", "operation"}),
		RetriesExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Total number of operations that failed after all attempts",
		}, []string{"source", "operation"}),
		LimiterWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limiter_wait_seconds",
			Help:      "Time spent waiting for the shared rate limiter in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		// Cache
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of cache lookups by kind, tier and result",
		}, []string{"kind", "tier", "result"}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of entries evicted from the memory cache",
		}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Total number of cache writes by kind",
		}, []string{"kind"}),

		// Fulltext
		FulltextDownloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulltext_downloads_total",
			Help:      "Total number of fulltext download attempts by result",
		}, []string{"result"}),
		FulltextBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulltext_bytes_total",
			Help:      "Total number of bytes written to the fulltext library",
		}),

		// Tools
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by tool and result",
		}, []string{"tool", "result"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),
	}
}

// StatusClass returns the label used for an HTTP status code ("2xx",
// "4xx", ...), or "error" when no response was received.
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// RecordRequest records one outbound request attempt.
func (m *Metrics) RecordRequest(source, operation string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(source, operation, StatusClass(statusCode)).Inc()
	m.RequestDuration.WithLabelValues(source, operation).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(source, operation string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(source, operation).Inc()
}

// RecordRetryExhausted records an operation that ran out of attempts.
func (m *Metrics) RecordRetryExhausted(source, operation string) {
	if m == nil {
		return
	}
	m.RetriesExhausted.WithLabelValues(source, operation).Inc()
}

// ObserveLimiterWait records time spent blocked on the rate limiter.
func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.Observe(d.Seconds())
}

// RecordCacheLookup records a cache lookup result.
func (m *Metrics) RecordCacheLookup(kind, tier, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, tier, result).Inc()
}

// RecordCacheEviction records entries evicted from the memory tier.
func (m *Metrics) RecordCacheEviction(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(count))
}

// RecordCacheWrite records a cache write.
func (m *Metrics) RecordCacheWrite(kind string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(kind).Inc()
}

// RecordFulltextDownload records a fulltext download outcome.
func (m *Metrics) RecordFulltextDownload(result string, bytes int64) {
	if m == nil {
		return
	}
	m.FulltextDownloads.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.FulltextBytes.Add(float64(bytes))
	}
}

// RecordToolCall records a facade call.
func (m *Metrics) RecordToolCall(tool, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
