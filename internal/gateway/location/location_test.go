package location

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
)

func headerMap(h map[string]string) HeaderFunc {
	return func(name string) string { return h[name] }
}

func newTestResolver(t *testing.T, config configtypes.LocationConfig) *Resolver {
	t.Helper()
	r, err := NewResolver(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestResolveTrustedHeaders(t *testing.T) {
	r := newTestResolver(t, configtypes.LocationConfig{
		TrustGeoHeaders: true,
		FallbackCountry: "US",
	})

	loc := r.Resolve(headerMap(map[string]string{
		HeaderGeoCountry: "de",
		HeaderGeoRegion:  "BE",
		HeaderGeoDMA:     "635",
	}), nil)

	assert.Equal(t, "DE", loc.Country, "country is uppercased")
	assert.Equal(t, "BE", loc.Region)
	assert.Equal(t, uint16(635), loc.DMA)
}

func TestResolveMalformedDMAHeader(t *testing.T) {
	r := newTestResolver(t, configtypes.LocationConfig{
		TrustGeoHeaders: true,
		FallbackCountry: "US",
	})

	loc := r.Resolve(headerMap(map[string]string{
		HeaderGeoCountry: "US",
		HeaderGeoDMA:     "not-a-number",
	}), nil)
	assert.Equal(t, uint16(0), loc.DMA)
}

func TestResolveFallbackCountry(t *testing.T) {
	r := newTestResolver(t, configtypes.LocationConfig{
		TrustGeoHeaders: true,
		FallbackCountry: "US",
	})

	loc := r.Resolve(headerMap(nil), nil)
	assert.Equal(t, "US", loc.Country)
	assert.Empty(t, loc.Region)
	assert.Equal(t, uint16(0), loc.DMA)
}

func TestResolveUntrustedHeadersIgnored(t *testing.T) {
	r := newTestResolver(t, configtypes.LocationConfig{
		TrustGeoHeaders: false,
		FallbackCountry: "US",
	})

	loc := r.Resolve(headerMap(map[string]string{
		HeaderGeoCountry: "DE",
	}), nil)
	assert.Equal(t, "US", loc.Country)
}

func TestResolveExcludedDMA(t *testing.T) {
	r := newTestResolver(t, configtypes.LocationConfig{
		TrustGeoHeaders: true,
		FallbackCountry: "US",
		ExcludedDmas:    []uint16{635},
	})

	loc := r.Resolve(headerMap(map[string]string{
		HeaderGeoCountry: "US",
		HeaderGeoDMA:     "635",
	}), nil)
	assert.Equal(t, uint16(0), loc.DMA, "excluded DMAs never become audience buckets")

	loc = r.Resolve(headerMap(map[string]string{
		HeaderGeoCountry: "US",
		HeaderGeoDMA:     "807",
	}), nil)
	assert.Equal(t, uint16(807), loc.DMA)
}

func TestClientIP(t *testing.T) {
	remote := net.ParseIP("203.0.113.9")

	tests := []struct {
		name    string
		config  configtypes.LocationConfig
		headers map[string]string
		want    string
	}{
		{
			"forwarded-for single",
			configtypes.LocationConfig{},
			map[string]string{"X-Forwarded-For": "198.51.100.7"},
			"198.51.100.7",
		},
		{
			"forwarded-for chain takes first hop",
			configtypes.LocationConfig{},
			map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1, 10.0.0.2"},
			"198.51.100.7",
		},
		{
			"real-ip fallback",
			configtypes.LocationConfig{},
			map[string]string{"X-Real-IP": "198.51.100.8"},
			"198.51.100.8",
		},
		{
			"no headers falls back to peer",
			configtypes.LocationConfig{},
			nil,
			"203.0.113.9",
		},
		{
			"garbage header falls through",
			configtypes.LocationConfig{},
			map[string]string{"X-Forwarded-For": "not-an-ip"},
			"203.0.113.9",
		},
		{
			"configured header order",
			configtypes.LocationConfig{ClientIPHeaders: []string{"CF-Connecting-IP"}},
			map[string]string{
				"CF-Connecting-IP": "198.51.100.9",
				"X-Forwarded-For":  "198.51.100.7",
			},
			"198.51.100.9",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestResolver(t, tc.config)
			got := r.ClientIP(headerMap(tc.headers), remote)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.String())
		})
	}
}
