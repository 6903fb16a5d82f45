package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v3"

	"video-shop-bot/internal/model"
	"video-shop-bot/internal/repository"
	"video-shop-bot/internal/service"
)

// CatalogHandler handles admin catalog management commands and media intake.
type CatalogHandler struct {
	catalog *service.CatalogService
}

// NewCatalogHandler creates a new CatalogHandler.
func NewCatalogHandler(catalog *service.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

// HandleIncomingMedia registers a video, document, or animation sent by an
// admin as a catalog entry. The caption, if any, becomes the title. The
// entry stays unpublished until a price is set with /setprice.
func (h *CatalogHandler) HandleIncomingMedia(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	msg := c.Message()
	if sender == nil || msg == nil {
		return nil
	}

	video := videoFromMessage(msg)
	if video == nil {
		return c.Reply("❌ Unsupported media type")
	}

	stored, created, err := h.catalog.IngestMedia(ctx, video)
	if err != nil {
		return c.Reply("❌ Failed to register media, please try again later")
	}

	if !created {
		return c.Reply(fmt.Sprintf(
			"ℹ️ Already in the catalog as video %d\n💵 Price: %s",
			stored.ID, priceLabel(stored),
		))
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("video_id", stored.ID).
		Str("media_kind", stored.MediaKind).
		Msg("Media registered by admin")

	return c.Reply(fmt.Sprintf(
		"✅ Media registered as video %d\n\n"+
			"📝 Title: %s\n"+
			"💵 Set a price to publish it:\n"+
			"/setprice %d <amount>",
		stored.ID, titleLabel(stored), stored.ID,
	))
}

// HandleVideos handles the /videos command.
// Lists catalog entries with their publish state.
func (h *CatalogHandler) HandleVideos(c tele.Context) error {
	ctx := context.Background()

	videos, err := h.catalog.List(ctx, 50)
	if err != nil {
		return c.Reply("❌ Failed to load catalog, please try again later")
	}

	if len(videos) == 0 {
		return c.Reply("📭 Catalog is empty. Send a video to this chat to add one.")
	}

	msg := "🎬 Catalog\n"
	msg += "━━━━━━━━━━━━━━━\n"
	for _, v := range videos {
		state := "🚫 unpublished"
		if v.IsPublished() {
			state = "🟢 on sale"
		}
		msg += fmt.Sprintf("%d. %s — %s (%s)\n", v.ID, titleLabel(v), priceLabel(v), state)
	}
	msg += "━━━━━━━━━━━━━━━"

	return c.Reply(msg)
}

// HandleSetPrice handles the /setprice command.
// Format: /setprice <video_id> <price>
func (h *CatalogHandler) HandleSetPrice(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) < 2 {
		return c.Reply("❌ Usage: /setprice <video_id> <price>\nExample: /setprice 42 9.99")
	}

	videoID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("❌ Video id must be a number")
	}

	price, err := decimal.NewFromString(args[1])
	if err != nil {
		return c.Reply("❌ Price must be a number, for example 9.99")
	}

	video, err := h.catalog.SetPrice(ctx, videoID, price)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPrice):
			return c.Reply("❌ Price cannot be negative")
		case errors.Is(err, repository.ErrVideoNotFound):
			return c.Reply("❌ Video not found")
		default:
			return c.Reply("❌ Failed to update price, please try again later")
		}
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("video_id", video.ID).
		Str("price", video.Price.StringFixed(2)).
		Msg("Video price updated by admin")

	if video.IsPublished() {
		return c.Reply(fmt.Sprintf("✅ Video %d is now on sale for %s", video.ID, priceLabel(video)))
	}
	return c.Reply(fmt.Sprintf("✅ Price of video %d set to %s (still unpublished)", video.ID, priceLabel(video)))
}

// HandleSetTitle handles the /settitle command.
// Format: /settitle <video_id> <title...>
func (h *CatalogHandler) HandleSetTitle(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) < 2 {
		return c.Reply("❌ Usage: /settitle <video_id> <title>\nExample: /settitle 42 Morning Yoga")
	}

	videoID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("❌ Video id must be a number")
	}

	title := strings.TrimSpace(strings.Join(args[1:], " "))
	if title == "" {
		return c.Reply("❌ Title cannot be empty")
	}

	video, err := h.catalog.SetTitle(ctx, videoID, title)
	if err != nil {
		if errors.Is(err, repository.ErrVideoNotFound) {
			return c.Reply("❌ Video not found")
		}
		return c.Reply("❌ Failed to update title, please try again later")
	}

	return c.Reply(fmt.Sprintf("✅ Video %d renamed to: %s", video.ID, video.Title))
}

// HandleDeleteVideo handles the /delvideo command.
// Format: /delvideo <video_id>
// Removing a video cascades to its purchases, so this is for mistakes made
// during intake, not for retiring sold items.
func (h *CatalogHandler) HandleDeleteVideo(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ Usage: /delvideo <video_id>")
	}

	videoID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("❌ Video id must be a number")
	}

	if err := h.catalog.Delete(ctx, videoID); err != nil {
		if errors.Is(err, repository.ErrVideoNotFound) {
			return c.Reply("❌ Video not found")
		}
		return c.Reply("❌ Failed to delete video, please try again later")
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("video_id", videoID).
		Str("operation", "delete_video").
		Msg("Video deleted by admin")

	return c.Reply(fmt.Sprintf("🗑 Video %d deleted", videoID))
}

// videoFromMessage maps an inbound Telegram media message onto a catalog
// entry. Returns nil when the message carries no supported media.
func videoFromMessage(msg *tele.Message) *model.Video {
	var v *model.Video

	switch {
	case msg.Video != nil:
		m := msg.Video
		v = &model.Video{
			MediaKind: model.MediaKindVideo,
			Duration:  m.Duration,
			Width:     m.Width,
			Height:    m.Height,
			FileSize:  m.FileSize,
		}
		v.FileID = &m.FileID
		if m.Thumbnail != nil {
			thumb := m.Thumbnail.FileID
			v.ThumbFileID = &thumb
		}
	case msg.Animation != nil:
		m := msg.Animation
		v = &model.Video{
			MediaKind: model.MediaKindAnimation,
			Duration:  m.Duration,
			Width:     m.Width,
			Height:    m.Height,
			FileSize:  m.FileSize,
		}
		v.FileID = &m.FileID
		if m.Thumbnail != nil {
			thumb := m.Thumbnail.FileID
			v.ThumbFileID = &thumb
		}
	case msg.Document != nil:
		m := msg.Document
		v = &model.Video{
			MediaKind: model.MediaKindDocument,
			FileSize:  m.FileSize,
		}
		v.FileID = &m.FileID
		if m.Thumbnail != nil {
			thumb := m.Thumbnail.FileID
			v.ThumbFileID = &thumb
		}
	default:
		return nil
	}

	v.Title = strings.TrimSpace(msg.Caption)
	return v
}

func titleLabel(v *model.Video) string {
	if v.Title != "" {
		return v.Title
	}
	return "(untitled)"
}

func priceLabel(v *model.Video) string {
	if v.Price.IsPositive() {
		return v.Price.StringFixed(2)
	}
	return "no price"
}
