// Package metrics centralizes gateway metric recording. The counter
// vocabulary mirrors the operational dashboard: cache hit/miss by slot
// state, partner fetch outcomes, and filter rejections.
package metrics

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Cache hit/miss label values.
const (
	CacheHitFresh       = "fresh"
	CacheHitRefreshing  = "refreshing"
	CacheMissFetched    = "fetched"
	CacheMissPopulating = "populating"
)

// Collector wraps PrometheusMetrics with labeled recording helpers.
type Collector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewCollector creates a Collector on the default Prometheus registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return &Collector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// NewCollectorWithMetrics wires a Collector to pre-built instruments.
func NewCollectorWithMetrics(pm *PrometheusMetrics, logger *zap.Logger) *Collector {
	return &Collector{prometheus: pm, logger: logger}
}

// RecordRequest records a completed tile request with its response status.
func (c *Collector) RecordRequest(status string, duration time.Duration) {
	c.prometheus.requestsTotal.WithLabelValues(status).Inc()
	c.prometheus.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit; state is CacheHitFresh or
// CacheHitRefreshing.
func (c *Collector) RecordCacheHit(state string) {
	c.prometheus.cacheHitsTotal.WithLabelValues(state).Inc()
}

// RecordCacheMiss records a cache miss; outcome is CacheMissFetched or
// CacheMissPopulating.
func (c *Collector) RecordCacheMiss(outcome string) {
	c.prometheus.cacheMissesTotal.WithLabelValues(outcome).Inc()
}

// SetCacheEntries records the current audience key count.
func (c *Collector) SetCacheEntries(n int) {
	c.prometheus.cacheEntries.Set(float64(n))
}

// RecordAdmRequest records one fetch issued to the partner. endpoint is
// "desktop" or "mobile".
func (c *Collector) RecordAdmRequest(endpoint string, duration time.Duration) {
	c.prometheus.admRequestsTotal.WithLabelValues(endpoint).Inc()
	c.prometheus.admFetchDuration.Observe(duration.Seconds())
}

// RecordAdmEmptyResponse records a partner response with zero tiles.
func (c *Collector) RecordAdmEmptyResponse() {
	c.prometheus.admEmptyResponseTotal.Inc()
}

// RecordAllFiltered records a response whose tiles were all rejected.
func (c *Collector) RecordAllFiltered() {
	c.prometheus.admAllFilteredTotal.Inc()
}

// RecordAdmInvalidResponse records an unparseable partner response.
func (c *Collector) RecordAdmInvalidResponse() {
	c.prometheus.admInvalidResponseTotal.Inc()
}

// RecordTileRejected records one tile dropped by validation.
func (c *Collector) RecordTileRejected(checkType, reason string) {
	c.prometheus.tilesRejectedTotal.WithLabelValues(checkType, reason).Inc()

	c.logger.Debug("Recorded tile rejection",
		zap.String("type", checkType),
		zap.String("reason", reason))
}

// RecordImageStored records a successfully rehosted tile image.
func (c *Collector) RecordImageStored() {
	c.prometheus.imagesStoredTotal.Inc()
}

// RecordImageError records an image rehosting failure.
func (c *Collector) RecordImageError(reason string) {
	c.prometheus.imageErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordEventDropped records an error event lost to queue overflow.
func (c *Collector) RecordEventDropped() {
	c.prometheus.eventsDroppedTotal.Inc()
}

// IncActiveRequests increments the in-flight request gauge.
func (c *Collector) IncActiveRequests() {
	c.prometheus.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight request gauge.
func (c *Collector) DecActiveRequests() {
	c.prometheus.activeRequests.Dec()
}

// ServeHTTP serves Prometheus metrics via HTTP.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.prometheus.ServeHTTP(ctx)
}
