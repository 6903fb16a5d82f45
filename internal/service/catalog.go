package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"video-shop-bot/internal/model"
	"video-shop-bot/internal/repository"
)

// ErrInvalidPrice is returned for negative prices.
var ErrInvalidPrice = errors.New("price must not be negative")

// CatalogService manages the video catalog: intake of media the bot
// receives, pricing, and listing.
type CatalogService struct {
	videoRepo *repository.VideoRepository
}

// NewCatalogService creates a new CatalogService instance.
func NewCatalogService(videoRepo *repository.VideoRepository) *CatalogService {
	return &CatalogService{videoRepo: videoRepo}
}

// IngestMedia records media that arrived at the bot as a catalog entry.
// Re-sending a file the bot already knows returns the existing entry.
func (s *CatalogService) IngestMedia(ctx context.Context, v *model.Video) (*model.Video, bool, error) {
	if v.FileID != nil && *v.FileID != "" {
		existing, err := s.videoRepo.GetByFileID(ctx, *v.FileID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repository.ErrVideoNotFound) {
			return nil, false, err
		}
	}

	created, err := s.videoRepo.Create(ctx, v)
	if err != nil {
		return nil, false, err
	}

	log.Info().
		Int64("video_id", created.ID).
		Str("media_kind", created.MediaKind).
		Msg("Video added to catalog")

	return created, true, nil
}

// SetPrice prices a video. A positive price publishes it for sale.
func (s *CatalogService) SetPrice(ctx context.Context, id int64, price decimal.Decimal) (*model.Video, error) {
	if price.IsNegative() {
		return nil, ErrInvalidPrice
	}
	return s.videoRepo.SetPrice(ctx, id, price.Round(2))
}

// SetTitle renames a video.
func (s *CatalogService) SetTitle(ctx context.Context, id int64, title string) (*model.Video, error) {
	return s.videoRepo.SetTitle(ctx, id, title)
}

// Get retrieves a video by ID.
func (s *CatalogService) Get(ctx context.Context, id int64) (*model.Video, error) {
	return s.videoRepo.GetByID(ctx, id)
}

// List retrieves the catalog, newest first.
func (s *CatalogService) List(ctx context.Context, limit int) ([]*model.Video, error) {
	return s.videoRepo.List(ctx, limit)
}

// Delete removes a video and, by cascade, its purchases.
func (s *CatalogService) Delete(ctx context.Context, id int64) error {
	return s.videoRepo.Delete(ctx, id)
}
