// Package imgstore rehosts partner tile images behind the gateway's own
// CDN. Images are fetched once, validated, content-addressed by hash and
// written to the public root; redis remembers source URL to stored image
// so repeated tiles skip the refetch entirely.
package imgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Formats accepted for tile images.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
	"github.com/tilegate/tilegate/pkg/types"
)

// Image error reasons for metrics.
const (
	errReasonFetch    = "fetch"
	errReasonTooLarge = "too_large"
	errReasonDecode   = "decode"
	errReasonWrite    = "write"
)

const metaKeyPrefix = "img:meta:"

// metadata is the redis record for one already-stored source URL.
type metadata struct {
	URL   string `json:"url"`
	Width uint32 `json:"width"`
}

// Store fetches, validates and rehosts tile images.
type Store struct {
	config     configtypes.ImageStoreConfig
	httpClient *http.Client
	rdb        *redis.Client
	collector  *metrics.Collector
	logger     *zap.Logger
}

// New creates a Store, ensuring the public root exists and connecting to
// redis when configured.
func New(config configtypes.ImageStoreConfig, collector *metrics.Collector, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(config.PublicRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image public root %s: %w", config.PublicRoot, err)
	}

	var rdb *redis.Client
	if config.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to image metadata redis: %w", err)
		}
		logger.Debug("Image metadata redis connected",
			zap.String("addr", config.Redis.Addr))
	}

	return NewWithRedis(config, rdb, collector, logger), nil
}

// NewWithRedis creates a Store over an existing redis client. rdb may be
// nil to disable metadata caching.
func NewWithRedis(config configtypes.ImageStoreConfig, rdb *redis.Client, collector *metrics.Collector, logger *zap.Logger) *Store {
	return &Store{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout.Std(),
		},
		rdb:       rdb,
		collector: collector,
		logger:    logger,
	}
}

// Close releases the redis connection.
func (s *Store) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

// Store rehosts one image and returns its public URL and width. Repeat
// calls for a known source URL answer from redis without refetching.
func (s *Store) Store(ctx context.Context, imageURL string) (types.StoredImage, error) {
	if cached, ok := s.lookupMeta(ctx, imageURL); ok {
		return types.StoredImage{URL: cached.URL, Width: cached.Width}, nil
	}

	data, err := s.fetch(ctx, imageURL)
	if err != nil {
		return types.StoredImage{}, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		s.collector.RecordImageError(errReasonDecode)
		return types.StoredImage{}, fmt.Errorf("unsupported image %s: %w", imageURL, err)
	}
	if cfg.Width != cfg.Height {
		// The UA reports a single image_size, so non-square images render
		// distorted. Kept rather than dropped; partners do ship these.
		s.logger.Warn("Tile image is not square",
			zap.String("url", imageURL),
			zap.Int("width", cfg.Width),
			zap.Int("height", cfg.Height))
	}

	filename := fmt.Sprintf("%016x.%s", xxhash.Sum64(data), format)
	if err := s.writeFile(filename, data); err != nil {
		s.collector.RecordImageError(errReasonWrite)
		return types.StoredImage{}, err
	}

	stored := types.StoredImage{
		URL:   strings.TrimSuffix(s.config.CDNBaseURL, "/") + "/" + filename,
		Width: uint32(cfg.Width),
	}
	s.storeMeta(ctx, imageURL, metadata{URL: stored.URL, Width: stored.Width})
	s.collector.RecordImageStored()

	s.logger.Debug("Stored tile image",
		zap.String("source", imageURL),
		zap.String("stored", stored.URL),
		zap.Int("bytes", len(data)))

	return stored, nil
}

func (s *Store) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		s.collector.RecordImageError(errReasonFetch)
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.collector.RecordImageError(errReasonFetch)
		return nil, fmt.Errorf("failed to fetch image %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.collector.RecordImageError(errReasonFetch)
		return nil, fmt.Errorf("image fetch %s returned status %d", imageURL, resp.StatusCode)
	}

	// Read one byte past the limit to detect oversize bodies without
	// trusting Content-Length.
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxImageBytes+1))
	if err != nil {
		s.collector.RecordImageError(errReasonFetch)
		return nil, fmt.Errorf("failed to read image %s: %w", imageURL, err)
	}
	if int64(len(data)) > s.config.MaxImageBytes {
		s.collector.RecordImageError(errReasonTooLarge)
		return nil, fmt.Errorf("image %s exceeds %d bytes", imageURL, s.config.MaxImageBytes)
	}
	return data, nil
}

// writeFile lands the image in the public root with a temp-and-rename so
// the CDN never serves a partial file. Content addressing makes repeat
// writes idempotent.
func (s *Store) writeFile(filename string, data []byte) error {
	finalPath := filepath.Join(s.config.PublicRoot, filename)
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	}

	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to publish image file: %w", err)
	}
	return nil
}

// lookupMeta and storeMeta are best effort: redis being down degrades to
// refetching, never to failing the tile.
func (s *Store) lookupMeta(ctx context.Context, imageURL string) (metadata, bool) {
	if s.rdb == nil {
		return metadata{}, false
	}
	raw, err := s.rdb.Get(ctx, metaKeyPrefix+imageURL).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("Image metadata lookup failed", zap.Error(err))
		}
		return metadata{}, false
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return metadata{}, false
	}
	return meta, true
}

func (s *Store) storeMeta(ctx context.Context, imageURL string, meta metadata) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, metaKeyPrefix+imageURL, raw, s.config.Redis.TTL.Std()).Err(); err != nil {
		s.logger.Debug("Image metadata store failed", zap.Error(err))
	}
}
