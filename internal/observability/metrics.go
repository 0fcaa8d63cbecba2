package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iocforge"

// Metrics holds Prometheus metrics for IOCForge. All helper methods are safe
// on a nil receiver so components can run with metrics disabled.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest metrics
	IOCsIngested *prometheus.CounterVec
	IngestRows   *prometheus.CounterVec

	// Enrichment metrics
	EnrichmentPasses   *prometheus.CounterVec
	EnrichmentDuration *prometheus.HistogramVec
	ProviderRequests   *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	CacheLookups       *prometheus.CounterVec

	// Job metrics
	JobsFinished *prometheus.CounterVec
	JobsInFlight prometheus.Gauge

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg. Using a private registry
// keeps tests free of duplicate-registration panics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	registerProcessCollectors(reg)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IOCsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iocs_ingested_total",
				Help:      "Total IOCs upserted from uploads by type",
			},
			[]string{"type"},
		),
		IngestRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_rows_total",
				Help:      "CSV rows processed by result",
			},
			[]string{"result"},
		),
		EnrichmentPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_passes_total",
				Help:      "Enrichment passes by outcome",
			},
			[]string{"outcome"},
		),
		EnrichmentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "enrichment_duration_seconds",
				Help:      "Duration of a full enrichment pass",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"ioc_type"},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Provider lookups by outcome",
			},
			[]string{"provider", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_duration_seconds",
				Help:      "Provider lookup duration including retries",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"provider"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by provider and result",
			},
			[]string{"provider", "result"},
		),
		JobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Enrichment jobs by terminal status",
			},
			[]string{"status"},
		),
		JobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Enrichment jobs currently running",
			},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProvider records one provider call.
func (m *Metrics) ObserveProvider(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, status).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(provider string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(provider, result).Inc()
}

// ObservePass records a completed enrichment pass.
func (m *Metrics) ObservePass(iocType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.EnrichmentPasses.WithLabelValues(outcome).Inc()
	m.EnrichmentDuration.WithLabelValues(iocType).Observe(d.Seconds())
}

// ObserveIngest records the outcome of one upload.
func (m *Metrics) ObserveIngest(byType map[string]int, ok, failed int) {
	if m == nil {
		return
	}
	for t, n := range byType {
		m.IOCsIngested.WithLabelValues(t).Add(float64(n))
	}
	m.IngestRows.WithLabelValues("ok").Add(float64(ok))
	m.IngestRows.WithLabelValues("failed").Add(float64(failed))
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// JobFinished records a job's terminal status.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsFinished.WithLabelValues(status).Inc()
}

// HTTPMiddleware records request counts and latency by route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
