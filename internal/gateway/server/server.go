// Package server is the client-facing HTTP front door. It resolves the
// audience attributes of each request, drives the cache protocol, and
// maps pipeline failures to HTTP statuses. Every body it serves is a
// byte-for-byte replay of a cached entry.
package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/internal/common/requestid"
	"github.com/tilegate/tilegate/internal/gateway/adm"
	"github.com/tilegate/tilegate/internal/gateway/cache"
	"github.com/tilegate/tilegate/internal/gateway/device"
	"github.com/tilegate/tilegate/internal/gateway/events"
	"github.com/tilegate/tilegate/internal/gateway/filter"
	"github.com/tilegate/tilegate/internal/gateway/location"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
)

// Placements a client may request tiles for.
var validPlacements = map[string]struct{}{
	"urlbar": {},
	"newtab": {},
	"search": {},
}

const defaultPlacement = "newtab"

// emptyTilesBody is served when excluded_countries_200 asks for a 200
// instead of a 204.
var emptyTilesBody = []byte(`{"tiles":[]}`)

// Server is the tile gateway front door.
type Server struct {
	config    configtypes.GatewayConfig
	tiles     *adm.Service
	cache     *cache.TilesCache
	store     *filter.Store
	detector  *device.Detector
	resolver  *location.Resolver
	collector *metrics.Collector
	emitter   events.Emitter
	logger    *zap.Logger
}

// New wires the front door.
func New(
	config configtypes.GatewayConfig,
	tiles *adm.Service,
	tilesCache *cache.TilesCache,
	store *filter.Store,
	detector *device.Detector,
	resolver *location.Resolver,
	collector *metrics.Collector,
	emitter events.Emitter,
	logger *zap.Logger,
) *Server {
	return &Server{
		config:    config,
		tiles:     tiles,
		cache:     tilesCache,
		store:     store,
		detector:  detector,
		resolver:  resolver,
		collector: collector,
		emitter:   emitter,
		logger:    logger,
	}
}

// HandleRequest is the fasthttp entry point.
func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	customRequestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	requestID := requestid.Generate(customRequestID)
	ctx.Response.Header.Set("X-Request-ID", requestID)

	logger := s.logger.With(zap.String("request_id", requestID))

	switch string(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
	case "/ready":
		s.handleReady(ctx)
	case "/v1/tiles":
		if !ctx.IsGet() {
			s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handleTiles(ctx, requestID, logger)
	default:
		s.writeError(ctx, fasthttp.StatusNotFound, "Endpoint not found")
	}
}

// handleTiles runs the full request protocol: audience resolution, the
// region gate, the cache state machine and, for the slot owner, the
// partner pipeline.
func (s *Server) handleTiles(ctx *fasthttp.RequestCtx, requestID string, logger *zap.Logger) {
	start := time.Now()
	status := fasthttp.StatusOK

	s.collector.IncActiveRequests()
	defer func() {
		s.collector.DecActiveRequests()
		s.collector.RecordRequest(strconv.Itoa(status), time.Since(start))
	}()

	placement := strings.ToLower(string(ctx.QueryArgs().Peek("placement")))
	if placement == "" {
		placement = defaultPlacement
	}
	if _, ok := validPlacements[placement]; !ok {
		status = fasthttp.StatusBadRequest
		s.writeError(ctx, status, "invalid placement")
		return
	}

	loc := s.resolver.Resolve(headerFunc(ctx), remoteIP(ctx))
	if country := string(ctx.QueryArgs().Peek("country")); country != "" {
		loc.Country = strings.ToUpper(country)
	}
	deviceInfo := s.detector.Detect(string(ctx.UserAgent()))

	// Region gate: countries no advertiser serves short-circuit before the
	// cache so guaranteed-empty buckets are never created.
	if !s.store.Current().CountryIncluded(loc.Country) {
		logger.Debug("Country not included", zap.String("country", loc.Country))
		status = s.writeEmpty(ctx)
		return
	}

	key := cache.AudienceKey{
		Country:    loc.Country,
		Region:     loc.Region,
		DMA:        loc.DMA,
		FormFactor: deviceInfo.FormFactor,
		OsFamily:   deviceInfo.OsFamily,
		LegacyOnly: deviceInfo.LegacyOnly,
	}

	params := adm.FetchParams{
		Country: loc.Country,
		Region:  loc.Region,
		DMA:     loc.DMA,
		Device:  deviceInfo,
	}

	// fake_response mode serves canned payloads and bypasses the cache so
	// integration tests see every request hit the pipeline.
	if s.config.Adm.TestMode == configtypes.TestFakeResponse {
		params.FakeResponse = string(ctx.Request.Header.Peek("Fake-Response"))
		status = s.fetchDirect(ctx, params, requestID, logger)
		return
	}

	expired := false
	if slot, ok := s.cache.Get(key); ok {
		switch slot.State {
		case cache.StatePopulating:
			// Another request is producing the first value; answering 204
			// here is what keeps cold-start fan-out at one fetch per key.
			s.collector.RecordCacheMiss(metrics.CacheMissPopulating)
			status = fasthttp.StatusNoContent
			ctx.SetStatusCode(status)
			return
		case cache.StateRefreshing:
			s.collector.RecordCacheHit(metrics.CacheHitRefreshing)
			status = s.writeTiles(ctx, slot.Tiles)
			return
		case cache.StateFresh:
			if !slot.Tiles.Expired() {
				s.collector.RecordCacheHit(metrics.CacheHitFresh)
				status = s.writeTiles(ctx, slot.Tiles)
				return
			}
			expired = true
		}
	}

	handle := s.cache.PrepareWrite(key, expired)
	defer handle.Reset()
	if !handle.Reserved() {
		// Lost the reservation race; serve whatever the winner's slot
		// offers instead of duplicating its fetch.
		status = s.serveContended(ctx, key)
		return
	}

	status = s.populate(ctx, handle, params, expired, requestID, logger)
}

// populate is the slot owner's path: fetch, commit, respond. The fetch
// runs on a context decoupled from the client connection so a disconnect
// mid-fetch still leaves the cache populated for future callers; on
// failure the deferred handle reset restores the prior slot state.
func (s *Server) populate(
	ctx *fasthttp.RequestCtx,
	handle *cache.WriteHandle,
	params adm.FetchParams,
	expired bool,
	requestID string,
	logger *zap.Logger,
) int {
	response, err := s.tiles.GetTiles(context.Background(), params)
	if err == nil {
		entry, cacheErr := cache.NewTiles(response, s.cache.JitteredTTL())
		if cacheErr != nil {
			logger.Error("Failed to build cache entry", zap.Error(cacheErr))
			return s.writeErrorStatus(ctx, fasthttp.StatusInternalServerError, "internal error")
		}
		s.collector.RecordCacheMiss(metrics.CacheMissFetched)
		logger.Debug("Cache miss populated",
			zap.String("country", params.Country),
			zap.Bool("expired", expired))
		handle.Insert(entry)
		return s.writeTiles(ctx, entry)
	}

	switch adm.KindOf(err) {
	case adm.KindBadResponse:
		// Cache the empty result so a misbehaving partner is not hammered
		// with retries for this bucket.
		logger.Warn("Bad partner response", zap.Error(err))
		s.collector.RecordAdmInvalidResponse()
		s.emitter.Emit(events.NewErrorEvent(string(adm.KindBadResponse), err.Error()).
			WithLevel("warning").
			WithRequestID(requestID))
		handle.Insert(cache.EmptyTiles(s.cache.JitteredTTL()))
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return fasthttp.StatusNoContent
	case adm.KindLoadError:
		logger.Warn("Partner fetch shed during startup", zap.Error(err))
		return s.writeErrorStatus(ctx, fasthttp.StatusServiceUnavailable, "tile service warming up")
	case adm.KindServerError:
		logger.Error("Partner fetch failed", zap.Error(err))
		return s.writeErrorStatus(ctx, fasthttp.StatusBadGateway, "tile service unavailable")
	default:
		logger.Error("Tile pipeline failed", zap.Error(err))
		s.emitter.Emit(events.NewErrorEvent(string(adm.KindInternal), err.Error()).
			WithRequestID(requestID))
		return s.writeErrorStatus(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}

// fetchDirect is the fake_response path: straight through the pipeline,
// no cache interaction.
func (s *Server) fetchDirect(ctx *fasthttp.RequestCtx, params adm.FetchParams, requestID string, logger *zap.Logger) int {
	response, err := s.tiles.GetTiles(context.Background(), params)
	if err != nil {
		logger.Error("Fake response fetch failed", zap.Error(err))
		return s.writeErrorStatus(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
	entry, err := cache.NewTiles(response, s.cache.JitteredTTL())
	if err != nil {
		return s.writeErrorStatus(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
	return s.writeTiles(ctx, entry)
}

// serveContended answers a request that raced another writer on the same
// slot: stale content when there is any, 204 otherwise.
func (s *Server) serveContended(ctx *fasthttp.RequestCtx, key cache.AudienceKey) int {
	// The slot key was just contended, so re-reading it is cheap and
	// almost always finds the winner's state.
	if slot, ok := s.cache.Get(key); ok && slot.Tiles != nil {
		s.collector.RecordCacheHit(metrics.CacheHitRefreshing)
		return s.writeTiles(ctx, slot.Tiles)
	}
	s.collector.RecordCacheMiss(metrics.CacheMissPopulating)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
	return fasthttp.StatusNoContent
}

// writeTiles serves a cached entry: 204 for Empty, otherwise the
// serialized JSON, pre-compressed when the client accepts gzip.
func (s *Server) writeTiles(ctx *fasthttp.RequestCtx, tiles *cache.Tiles) int {
	if tiles == nil || tiles.Empty {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return fasthttp.StatusNoContent
	}
	ctx.Response.Header.SetContentType("application/json")
	if tiles.Gzip != nil && ctx.Request.Header.HasAcceptEncoding("gzip") {
		ctx.Response.Header.SetContentEncoding("gzip")
		ctx.SetBody(tiles.Gzip)
	} else {
		ctx.SetBody(tiles.JSON)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	return fasthttp.StatusOK
}

// writeEmpty answers a region-gated request: 204, or 200 with an empty
// tile list when excluded_countries_200 is set.
func (s *Server) writeEmpty(ctx *fasthttp.RequestCtx) int {
	if s.config.Location.ExcludedCountries200 {
		ctx.Response.Header.SetContentType("application/json")
		ctx.SetBody(emptyTilesBody)
		ctx.SetStatusCode(fasthttp.StatusOK)
		return fasthttp.StatusOK
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
	return fasthttp.StatusNoContent
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.SetContentType("text/plain")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("OK")
}

func (s *Server) handleReady(ctx *fasthttp.RequestCtx) {
	// Ready once the filter ruleset is installed; without it every tile
	// would be rejected anyway.
	if s.store.Current() == nil || s.store.Current().Len() == 0 {
		s.writeError(ctx, fasthttp.StatusServiceUnavailable, "filter ruleset not loaded")
		return
	}
	ctx.Response.Header.SetContentType("text/plain")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("OK")
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, statusCode int, message string) {
	ctx.Response.Header.SetContentType("text/plain")
	ctx.SetStatusCode(statusCode)
	ctx.SetBodyString(message)
}

func (s *Server) writeErrorStatus(ctx *fasthttp.RequestCtx, statusCode int, message string) int {
	s.writeError(ctx, statusCode, message)
	return statusCode
}

func headerFunc(ctx *fasthttp.RequestCtx) location.HeaderFunc {
	return func(name string) string {
		return string(ctx.Request.Header.Peek(name))
	}
}

func remoteIP(ctx *fasthttp.RequestCtx) net.IP {
	if addr, ok := ctx.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}
