package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Media kinds as Telegram classifies uploaded files. The kind decides which
// send method redelivers the asset.
const (
	MediaKindVideo     = "video"
	MediaKindDocument  = "document"
	MediaKindAnimation = "animation"
	MediaKindFile      = "file"
)

// Video is one sellable media asset. FileID is the opaque handle Telegram
// assigns on upload; it lets the bot resend the file without re-uploading.
type Video struct {
	ID          int64           `db:"id"`
	FileID      *string         `db:"file_id"`
	Title       string          `db:"title"`
	Description string          `db:"description"`
	Price       decimal.Decimal `db:"price"`
	MediaKind   string          `db:"media_kind"`
	Duration    int             `db:"duration"`
	Width       int             `db:"width"`
	Height      int             `db:"height"`
	FileSize    int64           `db:"file_size"`
	ThumbFileID *string         `db:"thumb_file_id"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// IsPublished reports whether customers may buy the video: the media handle
// must be present and the price positive. Price zero means not for sale.
func (v *Video) IsPublished() bool {
	return v.FileID != nil && *v.FileID != "" && v.Price.IsPositive()
}
