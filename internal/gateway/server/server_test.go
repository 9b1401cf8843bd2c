package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/internal/gateway/adm"
	"github.com/tilegate/tilegate/internal/gateway/cache"
	"github.com/tilegate/tilegate/internal/gateway/device"
	"github.com/tilegate/tilegate/internal/gateway/events"
	"github.com/tilegate/tilegate/internal/gateway/filter"
	"github.com/tilegate/tilegate/internal/gateway/location"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
	"github.com/tilegate/tilegate/pkg/types"
)

const firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:118.0) Gecko/20100101 Firefox/118.0"

const gatewaySettings = `{
	"Acme": {
		"advertiser_hosts": ["acme.example"],
		"click_hosts": ["c.acme.example"],
		"impression_hosts": ["i.acme.example"],
		"include_regions": ["US"]
	},
	"DEFAULT": {}
}`

func validTile(id uint64) types.AdmTile {
	return types.AdmTile{
		ID:            id,
		Name:          "Acme",
		AdvertiserURL: "https://acme.example/",
		ClickURL:      "https://c.acme.example/?ci=1&ctag=x&key=k&version=1",
		ImpressionURL: "https://i.acme.example/?id=9",
		ImageURL:      "https://img.example/a.png",
	}
}

func testCollector(t *testing.T) *metrics.Collector {
	t.Helper()
	logger := zap.NewNop()
	return metrics.NewCollectorWithMetrics(
		metrics.NewPrometheusMetricsWithRegistry("test", prometheus.NewRegistry(), logger), logger)
}

type stack struct {
	server *Server
	cache  *cache.TilesCache
	hits   atomic.Int32
}

// newStack wires a full gateway over a counting upstream. mutate adjusts
// the config before construction; pass nil to keep the defaults.
func newStack(t *testing.T, upstream http.HandlerFunc, mutate func(*configtypes.GatewayConfig)) *stack {
	t.Helper()

	s := &stack{}
	admServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		upstream(w, r)
	}))
	t.Cleanup(admServer.Close)

	cfg := configtypes.GatewayConfig{
		Adm: configtypes.AdmConfig{
			Endpoint:       admServer.URL,
			PartnerID:      "demo",
			Sub1:           "sub-one",
			Timeout:        configtypes.Duration(2 * time.Second),
			QueryTileCount: 10,
			MaxTiles:       2,
		},
		Cache: configtypes.CacheConfig{
			TilesTTL: configtypes.Duration(time.Minute),
		},
		Location: configtypes.LocationConfig{
			FallbackCountry: "US",
			TrustGeoHeaders: true,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	collector := testCollector(t)

	ruleset, err := filter.ParseRuleset([]byte(gatewaySettings))
	require.NoError(t, err)
	store := filter.NewStore(ruleset)
	validator := filter.NewValidator(store, collector, events.NoopEmitter{}, logger)

	client := adm.NewClient(cfg.Adm, cfg.Location, time.Now(), collector, logger)
	service := adm.NewService(client, validator, nil, cfg.Adm.MaxTiles, collector, events.NoopEmitter{}, logger)

	resolver, err := location.NewResolver(cfg.Location, logger)
	require.NoError(t, err)

	s.cache = cache.New(cfg.Cache, collector, logger)
	s.server = New(cfg, service, s.cache, store, device.NewDetector(logger),
		resolver, collector, events.NoopEmitter{}, logger)
	return s
}

func tilesUpstream(tiles ...types.AdmTile) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.AdmTileResponse{Tiles: tiles})
	}
}

// perform drives one request through HandleRequest and returns the ctx
// for response assertions.
func perform(s *Server, method, uri string, headers map[string]string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.Header.Set("User-Agent", firefoxUA)
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	s.HandleRequest(ctx)
	return ctx
}

func decodeTiles(t *testing.T, body []byte) types.TileResponse {
	t.Helper()
	var resp types.TileResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := newStack(t, tilesUpstream(), nil)
	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/health", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "OK", string(ctx.Response.Body()))
	assert.NotEmpty(t, ctx.Response.Header.Peek("X-Request-ID"))
}

func TestReady(t *testing.T) {
	s := newStack(t, tilesUpstream(), nil)
	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/ready", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestUnknownPath(t *testing.T) {
	s := newStack(t, tilesUpstream(), nil)
	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v2/tiles", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestTilesRejectsNonGet(t *testing.T) {
	s := newStack(t, tilesUpstream(), nil)
	ctx := perform(s.server, fasthttp.MethodPost, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestTilesColdMissThenCacheHit(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1), validTile(2)), nil)

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))

	resp := decodeTiles(t, ctx.Response.Body())
	require.Len(t, resp.Tiles, 2)
	assert.Equal(t, uint64(1), resp.Tiles[0].ID)
	assert.Equal(t, int32(1), s.hits.Load())

	// The second request is answered from the cache, byte for byte.
	again := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	require.Equal(t, fasthttp.StatusOK, again.Response.StatusCode())
	assert.Equal(t, ctx.Response.Body(), again.Response.Body())
	assert.Equal(t, int32(1), s.hits.Load(), "cache hits never reach the partner")
}

func TestTilesServesGzipVariant(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)

	plain := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	require.Equal(t, fasthttp.StatusOK, plain.Response.StatusCode())

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US",
		map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "gzip", string(ctx.Response.Header.ContentEncoding()))

	reader, err := gzip.NewReader(bytes.NewReader(ctx.Response.Body()))
	require.NoError(t, err)
	unpacked, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, plain.Response.Body(), unpacked)
}

func TestTilesInvalidPlacement(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)
	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US&placement=banner", nil)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Zero(t, s.hits.Load())
}

func TestTilesPlacementIsCaseInsensitive(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)
	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US&placement=URLBAR", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestTilesGeoHeaders(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles",
		map[string]string{"X-Geo-Country": "us"})
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, int32(1), s.hits.Load())
}

func TestTilesExcludedCountry(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)

	// Acme only serves US, so DE is gated before the cache or partner.
	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=DE", nil)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.Zero(t, s.hits.Load())
	assert.Zero(t, s.cache.Len())
}

func TestTilesExcludedCountry200(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), func(cfg *configtypes.GatewayConfig) {
		cfg.Location.ExcludedCountries200 = true
	})

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=DE", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"tiles":[]}`, string(ctx.Response.Body()))
	assert.Zero(t, s.hits.Load())
}

func TestTilesEmptyUpstreamCached(t *testing.T) {
	s := newStack(t, tilesUpstream(), nil)

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())

	// The empty result is cached, so the partner is not retried.
	again := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusNoContent, again.Response.StatusCode())
	assert.Equal(t, int32(1), s.hits.Load())
}

func TestTilesBadUpstreamResponseCachesEmpty(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}, nil)

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())

	again := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusNoContent, again.Response.StatusCode())
	assert.Equal(t, int32(1), s.hits.Load(), "a bad payload is cached as empty, not retried")
}

func TestTilesUpstreamErrorIsNotCached(t *testing.T) {
	s := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
	assert.Zero(t, s.cache.Len())

	// The failed slot was rolled back, so the next request retries.
	perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, int32(2), s.hits.Load())
}

func TestTilesPopulatingAnswers204(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)

	// Hold the reservation another request would need.
	key := cache.AudienceKey{
		Country:    "US",
		FormFactor: types.FormFactorDesktop,
		OsFamily:   types.OsFamilyLinux,
	}
	handle := s.cache.PrepareWrite(key, false)
	require.True(t, handle.Reserved())
	defer handle.Reset()

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.Zero(t, s.hits.Load(), "only the slot owner fetches")
}

func TestTilesStaleServedDuringRefresh(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)

	// Populate, then force the entry stale and mark it refreshing.
	first := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	require.Equal(t, fasthttp.StatusOK, first.Response.StatusCode())

	key := cache.AudienceKey{
		Country:    "US",
		FormFactor: types.FormFactorDesktop,
		OsFamily:   types.OsFamilyLinux,
	}
	slot, ok := s.cache.Get(key)
	require.True(t, ok)
	slot.Tiles.ExpiresAt = time.Now().Add(-time.Second)

	handle := s.cache.PrepareWrite(key, true)
	require.True(t, handle.Reserved())
	defer handle.Reset()

	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, first.Response.Body(), ctx.Response.Body())
	assert.Equal(t, int32(1), s.hits.Load(), "readers ride the stale entry while one refresh runs")
}

func TestTilesFakeResponseBypassesCache(t *testing.T) {
	dir := t.TempDir()
	payload, err := json.Marshal(types.AdmTileResponse{Tiles: []types.AdmTile{validTile(7)}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.json"), payload, 0o644))

	s := newStack(t, tilesUpstream(validTile(1)), func(cfg *configtypes.GatewayConfig) {
		cfg.Adm.TestMode = configtypes.TestFakeResponse
		cfg.Adm.TestFilePath = dir
	})

	for i := 0; i < 2; i++ {
		ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US", nil)
		require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		resp := decodeTiles(t, ctx.Response.Body())
		require.Len(t, resp.Tiles, 1)
		assert.Equal(t, uint64(7), resp.Tiles[0].ID)
	}
	assert.Zero(t, s.hits.Load(), "fake responses never call the partner")
	assert.Zero(t, s.cache.Len(), "fake responses are not cached")
}

func TestTilesCustomRequestID(t *testing.T) {
	s := newStack(t, tilesUpstream(validTile(1)), nil)
	ctx := perform(s.server, fasthttp.MethodGet, "http://gw/v1/tiles?country=US",
		map[string]string{"X-Request-ID": "req-abc123"})
	// Custom IDs survive with a random prefix so two clients sending the
	// same ID stay distinguishable.
	id := string(ctx.Response.Header.Peek("X-Request-ID"))
	assert.True(t, strings.HasSuffix(id, "-req-abc123"), id)
}
