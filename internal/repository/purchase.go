// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"video-shop-bot/internal/model"
)

// Common errors for repository operations.
var (
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrDuplicateSession = errors.New("purchase already recorded for provider session")
	ErrStaleTransition  = errors.New("purchase state changed concurrently, transition not applied")
)

const purchaseColumns = `
	id, public_id, provider_session_id, provider_payment_id, provider_customer_id,
	video_id, amount::text, currency, buyer_email, claimed_username,
	telegram_user_id, verification_status, delivery_status, delivered_at,
	delivery_notes, delivery_attempts, delivery_metadata, purchase_status,
	refunded_at, created_at, updated_at`

// PurchaseRepository handles purchase data persistence. All status mutations
// are single-row compare-and-swap updates guarded by the current status, so
// two near-simultaneous webhook deliveries cannot double-apply a transition.
type PurchaseRepository struct {
	pool *pgxpool.Pool
}

// NewPurchaseRepository creates a new PurchaseRepository instance.
func NewPurchaseRepository(pool *pgxpool.Pool) *PurchaseRepository {
	return &PurchaseRepository{pool: pool}
}

// CreateParams carries the payment-confirmation data a new purchase is built from.
type CreateParams struct {
	ProviderSessionID string
	ProviderPaymentID string
	ProviderCustomer  string
	VideoID           int64
	Amount            decimal.Decimal
	Currency          string
	BuyerEmail        *string
	ClaimedUsername   string
}

// Create inserts a new purchase in pending/pending state with a fresh public UUID.
// Returns ErrDuplicateSession if the provider session was already recorded.
func (r *PurchaseRepository) Create(ctx context.Context, p CreateParams) (*model.Purchase, error) {
	const query = `
		INSERT INTO purchases (
			public_id, provider_session_id, provider_payment_id, provider_customer_id,
			video_id, amount, currency, buyer_email, claimed_username,
			verification_status, delivery_status, delivery_attempts,
			delivery_metadata, purchase_status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			'pending', 'pending', 0, '{}'::jsonb, 'completed', NOW(), NOW())
		ON CONFLICT (provider_session_id) DO NOTHING
		RETURNING ` + purchaseColumns

	row := r.pool.QueryRow(ctx, query,
		uuid.New(), p.ProviderSessionID, p.ProviderPaymentID, p.ProviderCustomer,
		p.VideoID, p.Amount.StringFixed(2), p.Currency, p.BuyerEmail, p.ClaimedUsername,
	)

	purchase, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicateSession
		}
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}

	return purchase, nil
}

// GetByID retrieves a purchase by its internal numeric ID.
func (r *PurchaseRepository) GetByID(ctx context.Context, id int64) (*model.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByPublicID retrieves a purchase by its externally-facing UUID.
func (r *PurchaseRepository) GetByPublicID(ctx context.Context, publicID uuid.UUID) (*model.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE public_id = $1`
	return r.getOne(ctx, query, publicID)
}

// GetByProviderSession retrieves a purchase by the payment provider session ID.
func (r *PurchaseRepository) GetByProviderSession(ctx context.Context, sessionID string) (*model.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE provider_session_id = $1`
	return r.getOne(ctx, query, sessionID)
}

// FindLatestPendingByUsername finds the most recently created purchase with
// the given claimed username that is still awaiting verification and has a
// completed payment. Only the single latest one is returned: older pending
// purchases under the same username stay untouched so one verification action
// cannot claim a whole history.
func (r *PurchaseRepository) FindLatestPendingByUsername(ctx context.Context, username string) (*model.Purchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE claimed_username = $1
		  AND verification_status = 'pending'
		  AND purchase_status = 'completed'
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, username)
}

// FindPendingByUsernameAndVideo finds an unverified purchase of a video under
// the given claimed username. Used to tell a buyer that verification is still
// outstanding without revealing other usernames' purchases.
func (r *PurchaseRepository) FindPendingByUsernameAndVideo(ctx context.Context, username string, videoID int64) (*model.Purchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE claimed_username = $1
		  AND video_id = $2
		  AND verification_status = 'pending'
		  AND purchase_status = 'completed'
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, username, videoID)
}

// GetVerifiedByUserAndVideo finds the buyer's verified purchase of a video.
func (r *PurchaseRepository) GetVerifiedByUserAndVideo(ctx context.Context, telegramID, videoID int64) (*model.Purchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE telegram_user_id = $1
		  AND video_id = $2
		  AND verification_status = 'verified'
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, telegramID, videoID)
}

// ListVerifiedByUser retrieves the buyer's most recent verified purchases.
func (r *PurchaseRepository) ListVerifiedByUser(ctx context.Context, telegramID int64, limit int) ([]*model.Purchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE telegram_user_id = $1
		  AND verification_status = 'verified'
		ORDER BY created_at DESC
		LIMIT $2`
	return r.list(ctx, query, telegramID, limit)
}

// CountVerifiedByUser counts verified purchases bound to a Telegram ID.
func (r *PurchaseRepository) CountVerifiedByUser(ctx context.Context, telegramID int64) (int, error) {
	const query = `
		SELECT COUNT(*) FROM purchases
		WHERE telegram_user_id = $1 AND verification_status = 'verified'`

	var count int
	if err := r.pool.QueryRow(ctx, query, telegramID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count verified purchases: %w", err)
	}
	return count, nil
}

// ListFilter narrows admin purchase listings.
type ListFilter struct {
	VerifyStatus   string
	DeliveryStatus string
	PurchaseStatus string
	Limit          int
}

// List retrieves purchases for the admin surface, newest first.
// Empty filter fields match everything.
func (r *PurchaseRepository) List(ctx context.Context, f ListFilter) ([]*model.Purchase, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE ($1 = '' OR verification_status = $1)
		  AND ($2 = '' OR delivery_status = $2)
		  AND ($3 = '' OR purchase_status = $3)
		ORDER BY created_at DESC
		LIMIT $4`
	return r.list(ctx, query, f.VerifyStatus, f.DeliveryStatus, f.PurchaseStatus, limit)
}

// Verify binds a Telegram ID to the purchase: pending -> verified.
// Returns ErrStaleTransition if the purchase was not pending anymore.
func (r *PurchaseRepository) Verify(ctx context.Context, id, telegramID int64) (*model.Purchase, error) {
	query := `
		UPDATE purchases
		SET telegram_user_id = $2, verification_status = 'verified', updated_at = NOW()
		WHERE id = $1 AND verification_status = 'pending'
		RETURNING ` + purchaseColumns
	return r.casUpdate(ctx, query, id, telegramID)
}

// MarkInvalid rejects the claimed identity: pending -> invalid.
func (r *PurchaseRepository) MarkInvalid(ctx context.Context, id int64) (*model.Purchase, error) {
	query := `
		UPDATE purchases
		SET verification_status = 'invalid', updated_at = NOW()
		WHERE id = $1 AND verification_status = 'pending'
		RETURNING ` + purchaseColumns
	return r.casUpdate(ctx, query, id)
}

// MarkDelivered completes delivery from any non-delivered state. The metadata
// bag is merged into the existing one, never replaced.
func (r *PurchaseRepository) MarkDelivered(ctx context.Context, id int64, metadata map[string]string) (*model.Purchase, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	query := `
		UPDATE purchases
		SET delivery_status = 'delivered',
		    delivered_at = NOW(),
		    delivery_metadata = delivery_metadata || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $1 AND delivery_status IN ('pending', 'failed', 'retrying')
		RETURNING ` + purchaseColumns
	return r.casUpdate(ctx, query, id, metadata)
}

// MarkDeliveryFailed records a failed dispatch and counts the attempt.
func (r *PurchaseRepository) MarkDeliveryFailed(ctx context.Context, id int64, reason string) (*model.Purchase, error) {
	query := `
		UPDATE purchases
		SET delivery_status = 'failed',
		    delivery_notes = $2,
		    delivery_attempts = delivery_attempts + 1,
		    updated_at = NOW()
		WHERE id = $1 AND delivery_status IN ('pending', 'failed', 'retrying')
		RETURNING ` + purchaseColumns
	return r.casUpdate(ctx, query, id, reason)
}

// MarkRetrying flags a purchase as queued for another dispatch and counts the
// attempt.
func (r *PurchaseRepository) MarkRetrying(ctx context.Context, id int64, reason string) (*model.Purchase, error) {
	query := `
		UPDATE purchases
		SET delivery_status = 'retrying',
		    delivery_notes = $2,
		    delivery_attempts = delivery_attempts + 1,
		    updated_at = NOW()
		WHERE id = $1 AND delivery_status IN ('pending', 'failed', 'retrying')
		RETURNING ` + purchaseColumns
	return r.casUpdate(ctx, query, id, reason)
}

// MarkRefunded flags the payment as returned. Refunded purchases are no
// longer auto-delivered.
func (r *PurchaseRepository) MarkRefunded(ctx context.Context, id int64) (*model.Purchase, error) {
	query := `
		UPDATE purchases
		SET purchase_status = 'refunded', refunded_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND purchase_status = 'completed'
		RETURNING ` + purchaseColumns
	return r.casUpdate(ctx, query, id)
}

// MarkDisputed flags the payment as charged back.
func (r *PurchaseRepository) MarkDisputed(ctx context.Context, id int64) (*model.Purchase, error) {
	query := `
		UPDATE purchases
		SET purchase_status = 'disputed', updated_at = NOW()
		WHERE id = $1 AND purchase_status = 'completed'
		RETURNING ` + purchaseColumns
	return r.casUpdate(ctx, query, id)
}

func (r *PurchaseRepository) getOne(ctx context.Context, query string, args ...any) (*model.Purchase, error) {
	purchase, err := scanPurchase(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return purchase, nil
}

func (r *PurchaseRepository) casUpdate(ctx context.Context, query string, args ...any) (*model.Purchase, error) {
	purchase, err := scanPurchase(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaleTransition
		}
		return nil, fmt.Errorf("failed to update purchase: %w", err)
	}
	return purchase, nil
}

func (r *PurchaseRepository) list(ctx context.Context, query string, args ...any) ([]*model.Purchase, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*model.Purchase
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, purchase)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchases: %w", err)
	}

	return purchases, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*model.Purchase, error) {
	var (
		p         model.Purchase
		amount    string
		delivered *time.Time
		refunded  *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.PublicID,
		&p.ProviderSessionID,
		&p.ProviderPaymentID,
		&p.ProviderCustomer,
		&p.VideoID,
		&amount,
		&p.Currency,
		&p.BuyerEmail,
		&p.ClaimedUsername,
		&p.TelegramUserID,
		&p.VerifyStatus,
		&p.DeliveryStatus,
		&delivered,
		&p.DeliveryNotes,
		&p.DeliveryAttempts,
		&p.DeliveryMetadata,
		&p.PurchaseStatus,
		&refunded,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	p.Amount = parsed
	p.DeliveredAt = delivered
	p.RefundedAt = refunded

	return &p, nil
}
