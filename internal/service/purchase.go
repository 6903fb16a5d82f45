// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"video-shop-bot/internal/model"
	"video-shop-bot/internal/payment"
	"video-shop-bot/internal/repository"
)

// Common errors for purchase operations.
var (
	ErrAlreadyVerified    = errors.New("purchase already verified for another telegram id")
	ErrNotVerified        = errors.New("purchase is not verified yet")
	ErrPurchaseNotPayable = errors.New("purchase is refunded or disputed")
	ErrRetryExhausted     = errors.New("delivery attempt limit reached")
	ErrVideoNotSellable   = errors.New("video has no media handle or price")
)

// PurchaseService owns the purchase lifecycle: creation from confirmed
// payments and the legal transitions of verification and delivery status.
type PurchaseService struct {
	purchaseRepo *repository.PurchaseRepository
	videoRepo    *repository.VideoRepository
}

// NewPurchaseService creates a new PurchaseService instance.
func NewPurchaseService(
	purchaseRepo *repository.PurchaseRepository,
	videoRepo *repository.VideoRepository,
) *PurchaseService {
	return &PurchaseService{
		purchaseRepo: purchaseRepo,
		videoRepo:    videoRepo,
	}
}

// CreateFromEvent records a purchase for a confirmed payment. The call is
// idempotent on the provider session ID: replaying the same confirmation
// returns the existing purchase with created=false.
// Fails with payment.ErrSessionMissing, payment.ErrMetadataMissing, or
// repository.ErrVideoNotFound when the confirmation cannot be fulfilled;
// such events are logged and dropped, never retried.
func (s *PurchaseService) CreateFromEvent(ctx context.Context, ev *payment.Event) (*model.Purchase, bool, error) {
	if err := ev.Validate(); err != nil {
		return nil, false, err
	}

	exists, err := s.videoRepo.Exists(ctx, ev.Metadata.VideoID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check video: %w", err)
	}
	if !exists {
		return nil, false, repository.ErrVideoNotFound
	}

	purchase, err := s.purchaseRepo.Create(ctx, repository.CreateParams{
		ProviderSessionID: ev.SessionID,
		ProviderPaymentID: ev.PaymentID,
		ProviderCustomer:  ev.Customer,
		VideoID:           ev.Metadata.VideoID,
		Amount:            ev.AmountDecimal(),
		Currency:          ev.Currency,
		BuyerEmail:        optional(ev.Email),
		ClaimedUsername:   payment.NormalizeUsername(ev.Metadata.Username),
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateSession) {
			existing, getErr := s.purchaseRepo.GetByProviderSession(ctx, ev.SessionID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	log.Info().
		Str("purchase_uuid", purchase.PublicID.String()).
		Int64("video_id", purchase.VideoID).
		Str("claimed_username", purchase.ClaimedUsername).
		Str("amount", purchase.Amount.StringFixed(2)).
		Str("currency", purchase.Currency).
		Msg("Purchase created from payment confirmation")

	return purchase, true, nil
}

// VerifyIdentity binds a Telegram numeric ID to the purchase. Re-verifying
// with the same ID is a no-op; a different ID is rejected and logged as a
// security event rather than silently overwritten.
func (s *PurchaseService) VerifyIdentity(ctx context.Context, purchaseID, telegramID int64) (*model.Purchase, error) {
	purchase, err := s.purchaseRepo.GetByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}

	if done, p, err := resolveVerified(purchase, telegramID); done {
		return p, err
	}

	verified, err := s.purchaseRepo.Verify(ctx, purchaseID, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			// Lost a race against a concurrent verification; re-read and
			// judge the winner's binding.
			purchase, getErr := s.purchaseRepo.GetByID(ctx, purchaseID)
			if getErr != nil {
				return nil, getErr
			}
			if done, p, resolveErr := resolveVerified(purchase, telegramID); done {
				return p, resolveErr
			}
			return nil, err
		}
		return nil, err
	}

	log.Info().
		Str("purchase_uuid", verified.PublicID.String()).
		Int64("telegram_user_id", telegramID).
		Msg("Purchase identity verified")

	return verified, nil
}

// resolveVerified decides the outcome when a purchase is no longer pending.
// done=false means the verification may still proceed.
func resolveVerified(purchase *model.Purchase, telegramID int64) (bool, *model.Purchase, error) {
	switch purchase.VerifyStatus {
	case model.VerificationPending:
		return false, nil, nil
	case model.VerificationVerified:
		if purchase.TelegramUserID != nil && *purchase.TelegramUserID == telegramID {
			return true, purchase, nil
		}
		log.Warn().
			Str("purchase_uuid", purchase.PublicID.String()).
			Int64("telegram_user_id", telegramID).
			Msg("Security: verification attempt against purchase bound to another telegram id")
		return true, nil, ErrAlreadyVerified
	default:
		return true, nil, ErrAlreadyVerified
	}
}

// MarkInvalid rejects the claimed identity on a pending purchase.
func (s *PurchaseService) MarkInvalid(ctx context.Context, purchaseID int64) (*model.Purchase, error) {
	return s.purchaseRepo.MarkInvalid(ctx, purchaseID)
}

// MarkDelivered completes a delivery, merging the outcome metadata.
func (s *PurchaseService) MarkDelivered(ctx context.Context, purchaseID int64, metadata map[string]string) (*model.Purchase, error) {
	return s.purchaseRepo.MarkDelivered(ctx, purchaseID, metadata)
}

// MarkDeliveryFailed records a failed dispatch, counting the attempt.
func (s *PurchaseService) MarkDeliveryFailed(ctx context.Context, purchaseID int64, reason string) (*model.Purchase, error) {
	return s.purchaseRepo.MarkDeliveryFailed(ctx, purchaseID, reason)
}

// MarkRetrying flags a purchase for another dispatch, counting the attempt.
func (s *PurchaseService) MarkRetrying(ctx context.Context, purchaseID int64, reason string) (*model.Purchase, error) {
	return s.purchaseRepo.MarkRetrying(ctx, purchaseID, reason)
}

// Refund flags the payment as returned; refunded purchases are never
// auto-delivered afterwards.
func (s *PurchaseService) Refund(ctx context.Context, purchaseID int64) (*model.Purchase, error) {
	return s.purchaseRepo.MarkRefunded(ctx, purchaseID)
}

// Dispute flags the payment as charged back.
func (s *PurchaseService) Dispute(ctx context.Context, purchaseID int64) (*model.Purchase, error) {
	return s.purchaseRepo.MarkDisputed(ctx, purchaseID)
}

// GetByPublicID retrieves a purchase by its opaque UUID.
func (s *PurchaseService) GetByPublicID(ctx context.Context, publicID uuid.UUID) (*model.Purchase, error) {
	return s.purchaseRepo.GetByPublicID(ctx, publicID)
}

// List retrieves purchases for the admin surface.
func (s *PurchaseService) List(ctx context.Context, filter repository.ListFilter) ([]*model.Purchase, error) {
	return s.purchaseRepo.List(ctx, filter)
}

// GetVerifiedByUserAndVideo retrieves the buyer's verified purchase of one
// specific video, if any.
func (s *PurchaseService) GetVerifiedByUserAndVideo(ctx context.Context, telegramID, videoID int64) (*model.Purchase, error) {
	return s.purchaseRepo.GetVerifiedByUserAndVideo(ctx, telegramID, videoID)
}

// FindPendingByUsernameAndVideo looks for an unclaimed purchase of the video
// under the given username.
func (s *PurchaseService) FindPendingByUsernameAndVideo(ctx context.Context, username string, videoID int64) (*model.Purchase, error) {
	return s.purchaseRepo.FindPendingByUsernameAndVideo(ctx, payment.NormalizeUsername(username), videoID)
}

// ListVerifiedByUser retrieves the buyer's most recent verified purchases.
func (s *PurchaseService) ListVerifiedByUser(ctx context.Context, telegramID int64, limit int) ([]*model.Purchase, error) {
	return s.purchaseRepo.ListVerifiedByUser(ctx, telegramID, limit)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
