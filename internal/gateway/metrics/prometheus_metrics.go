package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics owns every Prometheus instrument the gateway records.
type PrometheusMetrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	// Audience cache metrics
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheEntries     prometheus.Gauge

	// Partner (ADM) metrics
	admRequestsTotal        *prometheus.CounterVec
	admFetchDuration        prometheus.Histogram
	admEmptyResponseTotal   prometheus.Counter
	admAllFilteredTotal     prometheus.Counter
	admInvalidResponseTotal prometheus.Counter

	// Filter pipeline metrics
	tilesRejectedTotal *prometheus.CounterVec

	// Image store metrics
	imagesStoredTotal prometheus.Counter
	imageErrorsTotal  *prometheus.CounterVec

	// Error reporting metrics
	eventsDroppedTotal prometheus.Counter

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics creates the instruments on the default registry.
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry creates the instruments on a custom
// registry. Tests use this to avoid global registration conflicts.
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{logger: logger}

	pm.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tiles",
			Name:      "requests_total",
			Help:      "Total number of tile requests processed",
		},
		[]string{"status"},
	)

	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tiles",
			Name:      "request_duration_seconds",
			Help:      "Time taken to answer tile requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pm.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tiles",
			Name:      "active_requests",
			Help:      "Number of tile requests currently in flight",
		},
	)

	pm.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Audience cache hits by slot state (fresh, refreshing)",
		},
		[]string{"state"},
	)

	pm.cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Audience cache misses by outcome (fetched, populating)",
		},
		[]string{"outcome"},
	)

	pm.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of audience keys resident in the cache",
		},
	)

	pm.admRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adm",
			Name:      "requests_total",
			Help:      "Total number of fetches issued to the partner",
		},
		[]string{"endpoint"},
	)

	pm.admFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adm",
			Name:      "fetch_duration_seconds",
			Help:      "Time taken by partner fetches",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pm.admEmptyResponseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adm",
			Name:      "empty_response_total",
			Help:      "Partner responses that contained no tiles",
		},
	)

	pm.admAllFilteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adm",
			Name:      "all_filtered_total",
			Help:      "Partner responses whose tiles were all rejected",
		},
	)

	pm.admInvalidResponseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adm",
			Name:      "invalid_response_total",
			Help:      "Partner responses that could not be parsed",
		},
	)

	pm.tilesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "tiles_rejected_total",
			Help:      "Tiles dropped by the validation pipeline",
		},
		[]string{"type", "reason"},
	)

	pm.imagesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "stored_total",
			Help:      "Tile images successfully rehosted",
		},
	)

	pm.imageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "errors_total",
			Help:      "Tile image rehosting failures",
		},
		[]string{"reason"},
	)

	pm.eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Error events dropped because the queue was full",
		},
	)

	collectors := []prometheus.Collector{
		pm.requestsTotal,
		pm.requestDuration,
		pm.activeRequests,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.cacheEntries,
		pm.admRequestsTotal,
		pm.admFetchDuration,
		pm.admEmptyResponseTotal,
		pm.admAllFilteredTotal,
		pm.admInvalidResponseTotal,
		pm.tilesRejectedTotal,
		pm.imagesStoredTotal,
		pm.imageErrorsTotal,
		pm.eventsDroppedTotal,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			// Already-registered collectors are reused (tests re-create
			// the metrics set against the default registry).
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			logger.Warn("Failed to register metric", zap.Error(err))
		}
	}

	handler := promhttp.Handler()
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(handler)

	return pm
}

// ServeHTTP serves the scrape endpoint.
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
