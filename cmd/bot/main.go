// Package main is the entry point for the video shop bot and its HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"video-shop-bot/internal/bot"
	"video-shop-bot/internal/config"
	"video-shop-bot/internal/counter"
	"video-shop-bot/internal/httpapi"
	"video-shop-bot/internal/pkg/db"
	"video-shop-bot/internal/pkg/lock"
	"video-shop-bot/internal/repository"
	"video-shop-bot/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := db.Migrate(ctx, dbPool.Pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	purchaseRepo := repository.NewPurchaseRepository(dbPool.Pool)
	videoRepo := repository.NewVideoRepository(dbPool.Pool)

	// Initialize the per-sender lock shared by the command handlers
	userLock := lock.New()

	// Initialize services
	purchaseService := service.NewPurchaseService(purchaseRepo, videoRepo)
	verificationService := service.NewVerificationService(purchaseRepo, purchaseService)
	catalogService := service.NewCatalogService(videoRepo)

	// The media sender is wired after the bot exists
	deliveryService := service.NewDeliveryService(purchaseService, purchaseRepo, videoRepo, nil)

	// Redis-backed command rate limiter
	redisClient := counter.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	rateLimiter := service.NewRateLimiter(
		counter.NewRedisStore(redisClient),
		cfg.RateLimit.MaxCommands,
		cfg.RateLimit.Window(),
	)

	// Initialize bot
	telegramBot, err := bot.New(&bot.Dependencies{
		Config:       cfg,
		Verification: verificationService,
		Delivery:     deliveryService,
		Purchases:    purchaseService,
		Catalog:      catalogService,
		RateLimiter:  rateLimiter,
		UserLock:     userLock,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}
	deliveryService.SetSender(telegramBot)

	// Initialize HTTP server for webhooks, status, and the admin API
	httpServer := httpapi.New(httpapi.Dependencies{
		Config:    cfg,
		Purchases: purchaseService,
		Delivery:  deliveryService,
		DB:        dbPool,
	})

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Msg("Bot is starting...")
		telegramBot.Start()
	}()

	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	telegramBot.Stop()
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("Redis close failed")
	}
	log.Info().Msg("Bot stopped gracefully")
}
