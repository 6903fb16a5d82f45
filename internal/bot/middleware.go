// Package bot provides middleware for the Telegram bot.
package bot

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"video-shop-bot/internal/config"
	"video-shop-bot/internal/service"
)

// RateLimitMiddleware creates a middleware that counts every inbound command
// against the sender's fixed window and drops the excess. The sender is
// warned once per window; every drop is logged as a security event.
func RateLimitMiddleware(limiter *service.RateLimiter) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return nil
			}

			decision := limiter.Allow(context.Background(), sender.ID)
			if decision.Allowed {
				return next(c)
			}

			log.Warn().
				Int64("user_id", sender.ID).
				Str("command", c.Text()).
				Dur("retry_after", decision.RetryAfter).
				Msg("Security: rate limit exceeded, command dropped")

			if decision.WarnSender {
				return c.Reply(fmt.Sprintf(
					"⚠️ Too many commands. Please wait %d seconds and try again.",
					int(decision.RetryAfter.Seconds())+1,
				))
			}
			return nil
		}
	}
}

// AdminMiddleware creates a middleware that checks if the user is an admin.
// The config ID list is the single source of admin capability.
func AdminMiddleware(cfg *config.Config) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return nil
			}

			if !cfg.IsAdmin(sender.ID) {
				log.Warn().
					Int64("user_id", sender.ID).
					Str("command", c.Text()).
					Msg("Non-admin attempted admin command")
				return nil
			}

			return next(c)
		}
	}
}

// LoggingMiddleware creates a middleware that logs all incoming messages.
func LoggingMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			chat := c.Chat()

			logEvent := log.Debug()
			if sender != nil {
				logEvent = logEvent.
					Int64("user_id", sender.ID).
					Str("username", sender.Username)
			}
			if chat != nil {
				logEvent = logEvent.Int64("chat_id", chat.ID)
			}
			logEvent.
				Str("text", c.Text()).
				Msg("Received message")

			return next(c)
		}
	}
}

// RecoveryMiddleware creates a middleware that recovers from panics so one
// bad command never takes down the update loop.
func RecoveryMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Msg("Recovered from panic in handler")
					_ = c.Reply("❌ Something went wrong. Please try again later.")
				}
			}()
			return next(c)
		}
	}
}
