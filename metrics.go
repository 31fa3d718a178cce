package gentlefetch

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle
// and its resilience layers. It is safe for concurrent use, and every
// Record method is a no-op on a nil collector.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	rateLimitWait *prometheus.HistogramVec

	proxyAttempts    *prometheus.CounterVec
	proxySuccessRate *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec
	cachePurged prometheus.Counter

	deduplicationHits *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_requests_total",
				Help: "Total number of logical requests completed over the network",
			},
			[]string{"method", "status_code", "host"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gentlefetch_request_duration_seconds",
				Help:    "Duration of logical requests including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "host"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gentlefetch_requests_in_flight",
				Help: "Number of logical requests currently in flight",
			},
			[]string{"method", "host"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_retries_total",
				Help: "Total number of retries by the failure kind that caused them",
			},
			[]string{"method", "host", "kind"},
		),
		rateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gentlefetch_rate_limit_wait_seconds",
				Help:    "Time spent waiting for the politeness delay",
				Buckets: []float64{0, 0.1, 0.5, 1, 2, 3, 5, 10},
			},
			[]string{"limiter"},
		),
		proxyAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_proxy_attempts_total",
				Help: "Attempts made through each proxy by outcome",
			},
			[]string{"proxy", "outcome"},
		),
		proxySuccessRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gentlefetch_proxy_success_rate",
				Help: "Observed success rate of each proxy",
			},
			[]string{"proxy"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "host"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "host"},
		),
		cacheErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_cache_errors_total",
				Help: "Cache failures absorbed by the store",
			},
			[]string{"op"},
		),
		cachePurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gentlefetch_cache_purged_total",
				Help: "Cache entries removed by purge",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_deduplication_hits_total",
				Help: "Total number of requests served by an identical in-flight request",
			},
			[]string{"method", "host"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gentlefetch_errors_total",
				Help: "Total number of failed logical requests by kind",
			},
			[]string{"kind", "method", "host"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, host string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, host).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, host).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, host string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, host).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, host string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, host).Dec()
}

// RecordRetry counts a retry caused by a failure of the given kind.
func (mc *MetricsCollector) RecordRetry(method, host string, kind ErrorKind) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, host, string(kind)).Inc()
}

// RecordRateLimitWait observes a politeness wait.
func (mc *MetricsCollector) RecordRateLimitWait(limiter string, waited time.Duration) {
	if mc == nil {
		return
	}
	mc.rateLimitWait.WithLabelValues(limiter).Observe(waited.Seconds())
}

// RecordProxyAttempt counts an attempt through proxy and updates its success rate gauge.
func (mc *MetricsCollector) RecordProxyAttempt(proxy string, outcome Outcome, rate Ratio) {
	if mc == nil {
		return
	}
	mc.proxyAttempts.WithLabelValues(proxy, outcome.String()).Inc()
	if rate.Valid {
		mc.proxySuccessRate.WithLabelValues(proxy).Set(rate.Value)
	}
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, host string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method, host).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, host string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method, host).Inc()
}

// RecordCacheError counts an absorbed cache failure.
func (mc *MetricsCollector) RecordCacheError(op string) {
	if mc == nil {
		return
	}
	mc.cacheErrors.WithLabelValues(op).Inc()
}

// RecordCachePurge adds removed entries to the purge counter.
func (mc *MetricsCollector) RecordCachePurge(removed int) {
	if mc == nil {
		return
	}
	mc.cachePurged.Add(float64(removed))
}

// RecordError increments error counter by kind.
func (mc *MetricsCollector) RecordError(kind ErrorKind, method, host string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(string(kind), method, host).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, host string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(method, host).Inc()
}

// Registry exposes the registerer the collector was built on.
func (mc *MetricsCollector) Registry() prometheus.Registerer {
	return mc.registry
}

// Gatherer returns the registry as a Gatherer when it is one, otherwise the default gatherer.
func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	if g, ok := mc.registry.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}
