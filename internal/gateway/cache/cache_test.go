package cache

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/pkg/types"
)

func newTestCache(ttl time.Duration, jitter int) *TilesCache {
	return New(configtypes.CacheConfig{
		TilesTTL:      configtypes.Duration(ttl),
		JitterPercent: jitter,
	}, nil, zap.NewNop())
}

func testKey() AudienceKey {
	return AudienceKey{
		Country:    "US",
		Region:     "CA",
		FormFactor: types.FormFactorDesktop,
		OsFamily:   types.OsFamilyLinux,
	}
}

func freshTiles(t *testing.T, ttl time.Duration) *Tiles {
	t.Helper()
	size := uint32(96)
	tiles, err := NewTiles(&types.TileResponse{Tiles: []types.Tile{{
		ID:        7,
		Name:      "Acme",
		URL:       "https://acme.example/",
		ImageSize: &size,
	}}}, ttl)
	require.NoError(t, err)
	return tiles
}

func TestNewTiles(t *testing.T) {
	tiles := freshTiles(t, time.Minute)
	assert.False(t, tiles.Empty)
	assert.False(t, tiles.Expired())
	assert.NotEmpty(t, tiles.JSON)
	assert.NotEmpty(t, tiles.Gzip)

	var decoded types.TileResponse
	require.NoError(t, json.Unmarshal(tiles.JSON, &decoded))
	require.Len(t, decoded.Tiles, 1)
	assert.Equal(t, "Acme", decoded.Tiles[0].Name)
}

func TestNewTilesEmpty(t *testing.T) {
	tiles, err := NewTiles(&types.TileResponse{}, time.Minute)
	require.NoError(t, err)
	assert.True(t, tiles.Empty)
	assert.Nil(t, tiles.JSON)

	tiles, err = NewTiles(nil, time.Minute)
	require.NoError(t, err)
	assert.True(t, tiles.Empty)
}

func TestTilesExpiry(t *testing.T) {
	tiles := EmptyTiles(10 * time.Millisecond)
	assert.False(t, tiles.Expired())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, tiles.Expired())
}

func TestAudienceKeyDistinctness(t *testing.T) {
	base := testKey()

	noRegion := base
	noRegion.Region = ""
	assert.NotEqual(t, base, noRegion, "absent region is a distinct bucket")

	withDma := base
	withDma.DMA = 807
	assert.NotEqual(t, base, withDma, "absent DMA is a distinct bucket")

	legacy := base
	legacy.LegacyOnly = true
	assert.NotEqual(t, base, legacy)
}

func TestJitteredTTLBounds(t *testing.T) {
	const ttl = 15 * time.Minute

	c := newTestCache(ttl, 10)
	offset := time.Duration(float64(ttl) * 0.10)
	for i := 0; i < 1000; i++ {
		got := c.JitteredTTL()
		assert.GreaterOrEqual(t, got, ttl-offset)
		assert.LessOrEqual(t, got, ttl+offset)
	}

	// Jitter is capped at 50 percent regardless of configuration.
	capped := newTestCache(ttl, 90)
	halfOffset := time.Duration(float64(ttl) * 0.50)
	for i := 0; i < 1000; i++ {
		got := capped.JitteredTTL()
		assert.GreaterOrEqual(t, got, ttl-halfOffset)
		assert.LessOrEqual(t, got, ttl+halfOffset)
	}

	// Zero jitter is the base TTL exactly.
	assert.Equal(t, ttl, newTestCache(ttl, 0).JitteredTTL())
}

func TestPrepareWritePopulateCommit(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()

	_, ok := c.Get(key)
	require.False(t, ok)

	handle := c.PrepareWrite(key, false)
	require.True(t, handle.Reserved())

	slot, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatePopulating, slot.State)
	assert.Nil(t, slot.Tiles)

	tiles := freshTiles(t, time.Minute)
	handle.Insert(tiles)
	handle.Reset() // deferred reset after commit must be a no-op

	slot, ok = c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StateFresh, slot.State)
	assert.Same(t, tiles, slot.Tiles)
	assert.Equal(t, 1, c.Len())
}

func TestPrepareWritePopulateRollback(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()

	handle := c.PrepareWrite(key, false)
	require.True(t, handle.Reserved())
	handle.Reset()

	// A failed population removes the slot entirely so the next request
	// can retry.
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestPrepareWriteRefreshCommit(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()

	stale := freshTiles(t, -time.Second)
	c.PrepareWrite(key, false).Insert(stale)

	handle := c.PrepareWrite(key, true)
	require.True(t, handle.Reserved())

	// The stale body stays visible during the refresh.
	slot, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StateRefreshing, slot.State)
	assert.Same(t, stale, slot.Tiles)

	replacement := freshTiles(t, time.Minute)
	handle.Insert(replacement)

	slot, _ = c.Get(key)
	assert.Equal(t, StateFresh, slot.State)
	assert.Same(t, replacement, slot.Tiles)
}

func TestPrepareWriteRefreshRollback(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()

	stale := freshTiles(t, -time.Second)
	c.PrepareWrite(key, false).Insert(stale)

	handle := c.PrepareWrite(key, true)
	require.True(t, handle.Reserved())
	handle.Reset()

	// The fetch failed: the slot returns to Fresh (still expired) with the
	// prior body intact, ready for the next attempt.
	slot, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StateFresh, slot.State)
	assert.Same(t, stale, slot.Tiles)
	assert.True(t, slot.Tiles.Expired())
}

func TestPrepareWriteContention(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()

	first := c.PrepareWrite(key, false)
	require.True(t, first.Reserved())

	// A racing caller does not steal the reservation, and its unarmed
	// handle neither commits nor resets.
	second := c.PrepareWrite(key, false)
	assert.False(t, second.Reserved())
	second.Insert(freshTiles(t, time.Minute))
	second.Reset()

	slot, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatePopulating, slot.State)

	first.Insert(freshTiles(t, time.Minute))
	slot, _ = c.Get(key)
	assert.Equal(t, StateFresh, slot.State)
}

func TestSingleFlightUnderConcurrency(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()

	var reservations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle := c.PrepareWrite(key, false)
			defer handle.Reset()
			if handle.Reserved() {
				reservations.Add(1)
				handle.Insert(freshTiles(t, time.Minute))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), reservations.Load(),
		"exactly one of the concurrent cold-start callers may win the slot")
	slot, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StateFresh, slot.State)
}

func TestConcurrentReadsAreByteIdentical(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()

	tiles := freshTiles(t, time.Minute)
	c.PrepareWrite(key, false).Insert(tiles)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, ok := c.Get(key)
			assert.True(t, ok)
			assert.Equal(t, tiles.JSON, slot.Tiles.JSON)
		}()
	}
	wg.Wait()
}

func TestRefreshKeepsSingleWriter(t *testing.T) {
	c := newTestCache(time.Minute, 0)
	key := testKey()
	c.PrepareWrite(key, false).Insert(freshTiles(t, -time.Second))

	// Handles stay open until every goroutine has attempted a reservation,
	// mirroring refreshers that are mid-fetch.
	var mu sync.Mutex
	var reserved []*WriteHandle
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle := c.PrepareWrite(key, true)
			if handle.Reserved() {
				mu.Lock()
				reserved = append(reserved, handle)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, reserved, 1, "exactly one refresher per expired slot")
	for _, handle := range reserved {
		handle.Reset()
	}
}
