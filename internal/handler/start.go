// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v3"

	"video-shop-bot/internal/pkg/lock"
	"video-shop-bot/internal/service"
)

// StartHandler runs the identity verification flow behind /start.
type StartHandler struct {
	verification *service.VerificationService
	delivery     *service.DeliveryService
	userLock     *lock.KeyedLock
}

// NewStartHandler creates a new StartHandler.
func NewStartHandler(verification *service.VerificationService, delivery *service.DeliveryService, userLock *lock.KeyedLock) *StartHandler {
	return &StartHandler{
		verification: verification,
		delivery:     delivery,
		userLock:     userLock,
	}
}

// HandleStart handles the /start command.
// Matches the sender against the latest pending purchase claimed under their
// username, verifies it, and dispatches the video in the same interaction.
func (h *StartHandler) HandleStart(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	// Serialize per sender so a double-tapped /start cannot race the
	// verify-then-dispatch sequence.
	h.userLock.Lock(sender.ID)
	defer h.userLock.Unlock(sender.ID)

	outcome, purchase, err := h.verification.HandleStart(ctx, sender.ID, sender.Username)
	if err != nil {
		return c.Reply("❌ Something went wrong, please try again later")
	}

	switch outcome {
	case service.OutcomeVerified:
		if err := c.Reply(fmt.Sprintf(
			"✅ Purchase confirmed!\n\n"+
				"🧾 Order: %s\n"+
				"💵 Paid: %s %s\n\n"+
				"📤 Sending your video now...",
			purchase.PublicID, purchase.Amount.StringFixed(2), purchase.Currency,
		)); err != nil {
			return err
		}

		if _, err := h.delivery.Dispatch(ctx, purchase.ID, c.Chat().ID); err != nil {
			if errors.Is(err, service.ErrDeliveryFailed) {
				return c.Reply(
					"⚠️ Your purchase is confirmed but the video could not be sent.\n" +
						"We will retry shortly — use /getvideo " + fmt.Sprintf("%d", purchase.VideoID) + " to try again.",
				)
			}
			return c.Reply("❌ Delivery failed, please try /getvideo again later")
		}
		return nil

	case service.OutcomeReturningBuyer:
		return c.Reply(fmt.Sprintf(
			"👋 Welcome back @%s!\n\n"+
				"No new purchase is waiting for you.\n"+
				"/mypurchases - your videos\n"+
				"/getvideo <id> - resend a video\n"+
				"/help - all commands",
			sender.Username,
		))

	default:
		return c.Reply(
			"👋 Welcome!\n\n" +
				"This bot delivers videos you purchase on our store.\n" +
				"Buy a video on the website, enter your Telegram username at " +
				"checkout, then come back and send /start to receive it.",
		)
	}
}
