package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"video-shop-bot/internal/model"
	"video-shop-bot/internal/pkg/lock"
	"video-shop-bot/internal/repository"
)

// ErrDeliveryFailed wraps an outbound send failure. The failure is already
// recorded on the purchase when this is returned.
var ErrDeliveryFailed = errors.New("media delivery failed")

// ErrDispatchInFlight is returned when another dispatch for the same purchase
// is currently running.
var ErrDispatchInFlight = errors.New("delivery already in progress for purchase")

// MediaSender pushes media or text to a Telegram chat. Implemented by the bot
// transport; kept as an interface so the dispatcher is testable without a
// live bot.
type MediaSender interface {
	SendMedia(chatID int64, video *model.Video) (messageID int, err error)
}

// DeliveryService pushes purchased media to the verified buyer's chat and
// records the outcome. Retries are never scheduled in the background; they
// are buyer- or admin-triggered and gated by the attempt cap.
type DeliveryService struct {
	purchases    *PurchaseService
	purchaseRepo *repository.PurchaseRepository
	videoRepo    *repository.VideoRepository
	sender       MediaSender

	// Keyed by purchase row ID. Kept private to the dispatcher so it can
	// never contend with the handlers' per-sender locks, whose Telegram ID
	// keys may numerically collide with purchase IDs.
	dispatchLocks *lock.KeyedLock
}

// NewDeliveryService creates a new DeliveryService instance.
func NewDeliveryService(
	purchases *PurchaseService,
	purchaseRepo *repository.PurchaseRepository,
	videoRepo *repository.VideoRepository,
	sender MediaSender,
) *DeliveryService {
	return &DeliveryService{
		purchases:     purchases,
		purchaseRepo:  purchaseRepo,
		videoRepo:     videoRepo,
		sender:        sender,
		dispatchLocks: lock.New(),
	}
}

// SetSender wires the outbound media transport. The bot is constructed after
// the services it depends on, so the sender arrives late.
func (d *DeliveryService) SetSender(sender MediaSender) {
	d.sender = sender
}

// Dispatch attempts to deliver the purchase's video to chatID and records the
// outcome. One canonical retry-accounting rule applies to every caller:
// an unsuccessful dispatch increments delivery_attempts exactly once,
// whatever triggered it. Already-delivered purchases are refused here; use
// Redeliver for resends.
func (d *DeliveryService) Dispatch(ctx context.Context, purchaseID, chatID int64) (*model.Purchase, error) {
	if !d.dispatchLocks.TryLock(purchaseID) {
		return nil, ErrDispatchInFlight
	}
	defer d.dispatchLocks.Unlock(purchaseID)

	purchase, err := d.purchaseRepo.GetByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}

	if !purchase.IsPayable() {
		return nil, ErrPurchaseNotPayable
	}
	if !purchase.IsVerified() {
		return nil, ErrNotVerified
	}
	if purchase.IsDelivered() {
		return purchase, nil
	}
	if !purchase.CanRetryDelivery() {
		return nil, ErrRetryExhausted
	}

	if d.sender == nil {
		return nil, fmt.Errorf("media sender is not wired")
	}

	video, err := d.videoRepo.GetByID(ctx, purchase.VideoID)
	if err != nil {
		return nil, err
	}
	if video.FileID == nil || *video.FileID == "" {
		return d.recordFailure(ctx, purchase, "video has no media handle")
	}

	messageID, sendErr := d.sender.SendMedia(chatID, video)
	if sendErr != nil {
		return d.recordFailure(ctx, purchase, sendErr.Error())
	}

	delivered, err := d.purchases.MarkDelivered(ctx, purchase.ID, map[string]string{
		model.MetaChannel:   model.ChannelBot,
		model.MetaChatID:    strconv.FormatInt(chatID, 10),
		model.MetaMessageID: strconv.Itoa(messageID),
		model.MetaTimestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("media sent but delivery not recorded: %w", err)
	}

	log.Info().
		Str("purchase_uuid", delivered.PublicID.String()).
		Int64("chat_id", chatID).
		Int64("video_id", video.ID).
		Msg("Purchase delivered")

	return delivered, nil
}

// Redeliver resends the media of an already-delivered purchase. It is a pure
// resend: delivery_attempts, delivered_at, and metadata stay untouched.
func (d *DeliveryService) Redeliver(ctx context.Context, purchase *model.Purchase, chatID int64) error {
	if d.sender == nil {
		return fmt.Errorf("media sender is not wired")
	}

	video, err := d.videoRepo.GetByID(ctx, purchase.VideoID)
	if err != nil {
		return err
	}
	if video.FileID == nil || *video.FileID == "" {
		return ErrVideoNotSellable
	}

	if _, err := d.sender.SendMedia(chatID, video); err != nil {
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, err)
	}

	log.Info().
		Str("purchase_uuid", purchase.PublicID.String()).
		Int64("chat_id", chatID).
		Msg("Purchase redelivered")

	return nil
}

// ForceDeliver marks a purchase delivered without sending anything, for
// fulfilment done outside the bot. The manual flag lands in the metadata bag.
func (d *DeliveryService) ForceDeliver(ctx context.Context, purchaseID int64, notes string) (*model.Purchase, error) {
	return d.purchases.MarkDelivered(ctx, purchaseID, map[string]string{
		model.MetaChannel:   model.ChannelManual,
		model.MetaManual:    "true",
		model.MetaNotes:     notes,
		model.MetaTimestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Retry re-runs delivery for a purchase on request of an admin. Verified
// purchases go through the same dispatch path as buyer retries; unverified
// ones are flagged retrying so the next successful /start delivers them.
func (d *DeliveryService) Retry(ctx context.Context, purchaseID int64) (*model.Purchase, error) {
	purchase, err := d.purchaseRepo.GetByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}

	if purchase.IsDelivered() {
		return purchase, nil
	}
	if !purchase.IsPayable() {
		return nil, ErrPurchaseNotPayable
	}
	if !purchase.CanRetryDelivery() {
		return nil, ErrRetryExhausted
	}

	if !purchase.IsVerified() {
		return d.purchases.MarkRetrying(ctx, purchase.ID, "admin retry requested before verification")
	}

	return d.Dispatch(ctx, purchase.ID, *purchase.TelegramUserID)
}

func (d *DeliveryService) recordFailure(ctx context.Context, purchase *model.Purchase, reason string) (*model.Purchase, error) {
	failed, markErr := d.purchases.MarkDeliveryFailed(ctx, purchase.ID, reason)
	if markErr != nil {
		return nil, fmt.Errorf("delivery failed (%s) and failure not recorded: %w", reason, markErr)
	}

	log.Warn().
		Str("purchase_uuid", purchase.PublicID.String()).
		Str("reason", reason).
		Int("delivery_attempts", failed.DeliveryAttempts).
		Msg("Purchase delivery failed")

	return failed, fmt.Errorf("%w: %s", ErrDeliveryFailed, reason)
}
