package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v3"

	"video-shop-bot/internal/pkg/lock"
	"video-shop-bot/internal/repository"
	"video-shop-bot/internal/service"
)

// PurchaseHandler handles buyer-facing purchase commands.
type PurchaseHandler struct {
	purchases *service.PurchaseService
	delivery  *service.DeliveryService
	catalog   *service.CatalogService
	userLock  *lock.KeyedLock
}

// NewPurchaseHandler creates a new PurchaseHandler.
func NewPurchaseHandler(purchases *service.PurchaseService, delivery *service.DeliveryService, catalog *service.CatalogService, userLock *lock.KeyedLock) *PurchaseHandler {
	return &PurchaseHandler{
		purchases: purchases,
		delivery:  delivery,
		catalog:   catalog,
		userLock:  userLock,
	}
}

// HandleHelp handles the /help command.
func (h *PurchaseHandler) HandleHelp(c tele.Context) error {
	return c.Reply(
		"ℹ️ Available commands:\n\n" +
			"/start - claim a purchase made with your username\n" +
			"/mypurchases - list videos you own\n" +
			"/getvideo <id> - resend a purchased video\n" +
			"/help - this message\n\n" +
			"Purchases are made on the website. Enter your Telegram " +
			"username at checkout so the bot can find your order.",
	)
}

// HandleMyPurchases handles the /mypurchases command.
// Lists the sender's verified purchases, newest first.
func (h *PurchaseHandler) HandleMyPurchases(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	purchases, err := h.purchases.ListVerifiedByUser(ctx, sender.ID, 10)
	if err != nil {
		return c.Reply("❌ Could not load your purchases, please try again later")
	}

	if len(purchases) == 0 {
		return c.Reply("🛒 You have no purchases yet. Buy a video on the website and send /start.")
	}

	msg := "🎬 Your purchases\n"
	msg += "━━━━━━━━━━━━━━━\n"
	for _, p := range purchases {
		title := fmt.Sprintf("Video #%d", p.VideoID)
		if video, err := h.catalog.Get(ctx, p.VideoID); err == nil && video.Title != "" {
			title = video.Title
		}

		status := "⏳ pending delivery"
		if p.IsDelivered() {
			status = "✅ delivered"
		}
		msg += fmt.Sprintf("%s (id %d) — %s\n", title, p.VideoID, status)
	}
	msg += "━━━━━━━━━━━━━━━\n"
	msg += "Use /getvideo <id> to receive a video again."

	return c.Reply(msg)
}

// HandleGetVideo handles the /getvideo command.
// Format: /getvideo <video_id>
// Resends a video the sender already owns; for purchases whose first delivery
// failed it runs a fresh dispatch instead.
func (h *PurchaseHandler) HandleGetVideo(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ Usage: /getvideo <video_id>\nExample: /getvideo 42")
	}

	videoID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("❌ Video id must be a number")
	}

	h.userLock.Lock(sender.ID)
	defer h.userLock.Unlock(sender.ID)

	purchase, err := h.purchases.GetVerifiedByUserAndVideo(ctx, sender.ID, videoID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return h.replyUnowned(ctx, c, sender.Username, videoID)
		}
		return c.Reply("❌ Could not look up your purchase, please try again later")
	}

	if purchase.IsDelivered() {
		// A plain resend. Attempt counters stay untouched.
		if err := h.delivery.Redeliver(ctx, purchase, c.Chat().ID); err != nil {
			return c.Reply("❌ Could not resend the video, please try again later")
		}
		return nil
	}

	_, err = h.delivery.Dispatch(ctx, purchase.ID, c.Chat().ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrRetryExhausted):
		return c.Reply("⚠️ Delivery has failed too many times. Please contact support.")
	case errors.Is(err, service.ErrPurchaseNotPayable):
		return c.Reply("⚠️ This purchase was refunded or disputed and can no longer be delivered.")
	case errors.Is(err, service.ErrDispatchInFlight):
		return c.Reply("⏳ A delivery for this purchase is already in progress.")
	default:
		return c.Reply("❌ Delivery failed, please try again later")
	}
}

// replyUnowned distinguishes "you have a purchase but never verified" from
// "no purchase at all" without leaking other users' orders.
func (h *PurchaseHandler) replyUnowned(ctx context.Context, c tele.Context, username string, videoID int64) error {
	if _, err := h.purchases.FindPendingByUsernameAndVideo(ctx, username, videoID); err == nil {
		return c.Reply("🔑 Found an unclaimed purchase under your username. Send /start first to verify it.")
	}
	return c.Reply("❌ No purchase of this video found for your account")
}
