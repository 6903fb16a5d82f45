// Package bot provides the Telegram bot initialization and handler registration.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"video-shop-bot/internal/config"
	"video-shop-bot/internal/handler"
	"video-shop-bot/internal/model"
	"video-shop-bot/internal/pkg/lock"
	"video-shop-bot/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot         *tele.Bot
	cfg         *config.Config
	rateLimiter *service.RateLimiter

	// Handlers
	startHandler    *handler.StartHandler
	purchaseHandler *handler.PurchaseHandler
	catalogHandler  *handler.CatalogHandler
}

// Dependencies holds everything the bot handlers need. Verification,
// delivery, and catalog come pre-wired; the bot contributes the outbound
// media sender once its transport exists.
type Dependencies struct {
	Config       *config.Config
	Verification *service.VerificationService
	Delivery     *service.DeliveryService
	Purchases    *service.PurchaseService
	Catalog      *service.CatalogService
	RateLimiter  *service.RateLimiter
	UserLock     *lock.KeyedLock
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:         teleBot,
		cfg:         deps.Config,
		rateLimiter: deps.RateLimiter,
	}

	// Initialize handlers
	b.startHandler = handler.NewStartHandler(deps.Verification, deps.Delivery, deps.UserLock)
	b.purchaseHandler = handler.NewPurchaseHandler(deps.Purchases, deps.Delivery, deps.Catalog, deps.UserLock)
	b.catalogHandler = handler.NewCatalogHandler(deps.Catalog)

	// Register middleware
	b.registerMiddleware()

	// Register handlers
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
	b.bot.Use(RateLimitMiddleware(b.rateLimiter))
}

// registerHandlers registers all command and media handlers.
func (b *Bot) registerHandlers() {
	// Buyer commands
	b.bot.Handle("/start", b.startHandler.HandleStart)
	b.bot.Handle("/help", b.purchaseHandler.HandleHelp)
	b.bot.Handle("/mypurchases", b.purchaseHandler.HandleMyPurchases)
	b.bot.Handle("/getvideo", b.purchaseHandler.HandleGetVideo)

	// Admin catalog commands and media intake
	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/videos", b.catalogHandler.HandleVideos)
	adminGroup.Handle("/setprice", b.catalogHandler.HandleSetPrice)
	adminGroup.Handle("/settitle", b.catalogHandler.HandleSetTitle)
	adminGroup.Handle("/delvideo", b.catalogHandler.HandleDeleteVideo)
	adminGroup.Handle(tele.OnVideo, b.catalogHandler.HandleIncomingMedia)
	adminGroup.Handle(tele.OnDocument, b.catalogHandler.HandleIncomingMedia)
	adminGroup.Handle(tele.OnAnimation, b.catalogHandler.HandleIncomingMedia)
}

// SendMedia sends a video's media to the chat by its stored handle and
// returns the provider message ID. Satisfies service.MediaSender.
func (b *Bot) SendMedia(chatID int64, video *model.Video) (int, error) {
	if video.FileID == nil || *video.FileID == "" {
		return 0, fmt.Errorf("video %d has no media handle", video.ID)
	}

	recipient := &tele.Chat{ID: chatID}
	file := tele.File{FileID: *video.FileID}

	var (
		msg *tele.Message
		err error
	)
	switch video.MediaKind {
	case model.MediaKindVideo:
		msg, err = b.bot.Send(recipient, &tele.Video{File: file, Caption: video.Title})
	case model.MediaKindAnimation:
		msg, err = b.bot.Send(recipient, &tele.Animation{File: file, Caption: video.Title})
	default:
		msg, err = b.bot.Send(recipient, &tele.Document{File: file, Caption: video.Title})
	}
	if err != nil {
		return 0, fmt.Errorf("failed to send media: %w", err)
	}

	return msg.ID, nil
}

// Start starts the bot polling.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
