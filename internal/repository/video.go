package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"video-shop-bot/internal/model"
)

// ErrVideoNotFound is returned when a referenced video does not exist.
var ErrVideoNotFound = errors.New("video not found")

const videoColumns = `
	id, file_id, title, description, price::text, media_kind,
	duration, width, height, file_size, thumb_file_id, created_at, updated_at`

// VideoRepository handles video catalog persistence.
type VideoRepository struct {
	pool *pgxpool.Pool
}

// NewVideoRepository creates a new VideoRepository instance.
func NewVideoRepository(pool *pgxpool.Pool) *VideoRepository {
	return &VideoRepository{pool: pool}
}

// Create inserts a new video record, typically from media the bot received.
// Price starts at zero, which keeps the video unsellable until an admin
// prices it.
func (r *VideoRepository) Create(ctx context.Context, v *model.Video) (*model.Video, error) {
	query := `
		INSERT INTO videos (
			file_id, title, description, price, media_kind,
			duration, width, height, file_size, thumb_file_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING ` + videoColumns

	row := r.pool.QueryRow(ctx, query,
		v.FileID, v.Title, v.Description, v.Price.StringFixed(2), v.MediaKind,
		v.Duration, v.Width, v.Height, v.FileSize, v.ThumbFileID,
	)

	video, err := scanVideo(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create video: %w", err)
	}
	return video, nil
}

// GetByID retrieves a video by its numeric ID.
func (r *VideoRepository) GetByID(ctx context.Context, id int64) (*model.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`

	video, err := scanVideo(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return video, nil
}

// GetByFileID retrieves a video by its Telegram media handle.
func (r *VideoRepository) GetByFileID(ctx context.Context, fileID string) (*model.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE file_id = $1`

	video, err := scanVideo(r.pool.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to get video by file id: %w", err)
	}
	return video, nil
}

// SetPrice updates a video's price. A positive price publishes the video,
// zero takes it off sale.
func (r *VideoRepository) SetPrice(ctx context.Context, id int64, price decimal.Decimal) (*model.Video, error) {
	query := `
		UPDATE videos
		SET price = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + videoColumns

	video, err := scanVideo(r.pool.QueryRow(ctx, query, id, price.StringFixed(2)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to set video price: %w", err)
	}
	return video, nil
}

// SetTitle updates a video's title.
func (r *VideoRepository) SetTitle(ctx context.Context, id int64, title string) (*model.Video, error) {
	query := `
		UPDATE videos
		SET title = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + videoColumns

	video, err := scanVideo(r.pool.QueryRow(ctx, query, id, title))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to set video title: %w", err)
	}
	return video, nil
}

// List retrieves videos newest first.
func (r *VideoRepository) List(ctx context.Context, limit int) ([]*model.Video, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT ` + videoColumns + ` FROM videos ORDER BY created_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []*model.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, video)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating videos: %w", err)
	}

	return videos, nil
}

// Delete removes a video. Purchases of the video cascade away with it.
func (r *VideoRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// Exists checks if a video with the given ID exists.
func (r *VideoRepository) Exists(ctx context.Context, id int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM videos WHERE id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check video existence: %w", err)
	}
	return exists, nil
}

func scanVideo(row rowScanner) (*model.Video, error) {
	var (
		v     model.Video
		price string
	)
	err := row.Scan(
		&v.ID,
		&v.FileID,
		&v.Title,
		&v.Description,
		&price,
		&v.MediaKind,
		&v.Duration,
		&v.Width,
		&v.Height,
		&v.FileSize,
		&v.ThumbFileID,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	v.Price = parsed

	return &v, nil
}
