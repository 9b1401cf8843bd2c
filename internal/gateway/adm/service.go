package adm

import (
	"context"

	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/gateway/events"
	"github.com/tilegate/tilegate/internal/gateway/filter"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
	"github.com/tilegate/tilegate/pkg/types"
)

// ImageStore rehosts a tile image and reports its dimensions. A nil store
// disables rehosting and tiles keep their partner image URLs.
type ImageStore interface {
	Store(ctx context.Context, imageURL string) (types.StoredImage, error)
}

// Service runs the full tile pipeline: fetch from the partner, validate
// each tile, truncate, rehost images, and hand back the response in
// partner order.
type Service struct {
	client    *Client
	validator *filter.Validator
	images    ImageStore
	maxTiles  int
	collector *metrics.Collector
	emitter   events.Emitter
	logger    *zap.Logger
}

// NewService wires the pipeline. images may be nil.
func NewService(
	client *Client,
	validator *filter.Validator,
	images ImageStore,
	maxTiles int,
	collector *metrics.Collector,
	emitter events.Emitter,
	logger *zap.Logger,
) *Service {
	return &Service{
		client:    client,
		validator: validator,
		images:    images,
		maxTiles:  maxTiles,
		collector: collector,
		emitter:   emitter,
		logger:    logger,
	}
}

// GetTiles produces the client-facing tile list for one audience. The
// returned list may be empty; classified errors come from the fetch.
func (s *Service) GetTiles(ctx context.Context, params FetchParams) (*types.TileResponse, error) {
	raw, err := s.client.Fetch(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		s.logger.Warn("Partner returned no tiles",
			zap.String("country", params.Country))
		s.collector.RecordAdmEmptyResponse()
	}

	// Validation stops as soon as max_tiles survivors are collected;
	// partner order is preserved throughout.
	kept := make([]types.Tile, 0, s.maxTiles)
	for _, tile := range raw {
		if len(kept) >= s.maxTiles {
			break
		}
		if sanitized, ok := s.validator.Apply(tile); ok {
			kept = append(kept, sanitized)
		}
	}

	tiles := make([]types.Tile, 0, len(kept))
	for _, tile := range kept {
		decorated, ok := s.decorate(ctx, tile)
		if !ok {
			continue
		}
		tiles = append(tiles, decorated)
	}

	if len(tiles) == 0 && len(raw) > 0 {
		s.logger.Warn("All partner tiles were filtered",
			zap.String("country", params.Country),
			zap.Int("received", len(raw)))
		s.collector.RecordAllFiltered()
	}

	return &types.TileResponse{Tiles: tiles}, nil
}

// decorate rehosts the tile image. Image failures drop the tile quietly:
// the event is reported and siblings are unaffected.
func (s *Service) decorate(ctx context.Context, tile types.Tile) (types.Tile, bool) {
	if s.images == nil {
		return tile, true
	}
	stored, err := s.images.Store(ctx, tile.ImageURL)
	if err != nil {
		s.logger.Warn("Failed to store tile image",
			zap.String("tile", tile.Name),
			zap.String("image_url", tile.ImageURL),
			zap.Error(err))
		s.emitter.Emit(events.NewErrorEvent("image_store_failed", err.Error()).
			WithLevel("warning").
			WithTag(events.TagTile, tile.Name).
			WithTag(events.TagURL, tile.ImageURL))
		return types.Tile{}, false
	}
	tile.ImageURL = stored.URL
	width := stored.Width
	tile.ImageSize = &width
	return tile, true
}
