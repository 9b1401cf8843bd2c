package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tilegate/tilegate/pkg/types"
)

// Tiles is one cached response body. The JSON is serialized at commit time
// so every cache hit is a plain byte copy, never a re-encode; a gzip
// variant is prepared alongside for clients that accept it.
type Tiles struct {
	JSON []byte
	Gzip []byte
	// Empty marks a valid "no tiles" result (empty partner response or a
	// cached bad-response marker). Empty entries serve 204.
	Empty     bool
	ExpiresAt time.Time
}

// NewTiles serializes a tile response into a cache entry expiring after
// ttl. A response with no tiles becomes an Empty entry.
func NewTiles(resp *types.TileResponse, ttl time.Duration) (*Tiles, error) {
	if resp == nil || len(resp.Tiles) == 0 {
		return EmptyTiles(ttl), nil
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tiles: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress tiles: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress tiles: %w", err)
	}

	return &Tiles{
		JSON:      body,
		Gzip:      buf.Bytes(),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// EmptyTiles builds an entry that serves 204 until it expires.
func EmptyTiles(ttl time.Duration) *Tiles {
	return &Tiles{
		Empty:     true,
		ExpiresAt: time.Now().Add(ttl),
	}
}

// Expired reports whether the entry's TTL has passed.
func (t *Tiles) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}
