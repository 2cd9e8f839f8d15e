package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medialink-bot-backend/internal/bot"
	"medialink-bot-backend/internal/common/config"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/features/approval"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/features/payment"
	"medialink-bot-backend/internal/features/request"
	"medialink-bot-backend/internal/features/subscription"
	"medialink-bot-backend/internal/platform/docstore"
	"medialink-bot-backend/internal/platform/mediaserver"
	platformredis "medialink-bot-backend/internal/platform/redis"
	"medialink-bot-backend/internal/platform/telegram"
)

func main() {
	cfg := config.Load()
	logger.Init("medialink-bot", cfg.Debug)

	plans, err := cfg.ParsePlans()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid subscription plan configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs, err := openDocstore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open document store")
	}

	media := mediaserver.NewClient(cfg.MediaServer.URL, cfg.MediaServer.APIKey)
	tg := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.PollTimeout)

	users := identity.NewStore(docs)
	if err := users.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load user registry")
	}
	if users.Empty() {
		logger.Info().Msg("Empty registry, importing accounts from the media server")
		if err := users.ImportFromServer(ctx, media, time.Now()); err != nil {
			logger.Fatal().Err(err).Msg("Failed to import accounts from the media server")
		}
	}
	if err := users.Reconcile(ctx, time.Now()); err != nil {
		logger.Fatal().Err(err).Msg("Registry reconciliation failed, at least one admin with a linked chat is required")
	}

	requests := request.NewLedger(docs, tg)
	if err := requests.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load pending requests")
	}

	payments := payment.NewLedger(docs)
	if err := payments.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load payment requests")
	}

	subs := subscription.NewLedger(users, media, docs)
	if err := subs.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load subscriptions")
	}

	monitor := subscription.NewMonitor(subs, users, media, tg, cfg.Lifecycle.MonitorInterval)
	coordinator := approval.NewCoordinator(users, requests, payments, subs, media, tg, monitor)
	b := bot.New(cfg, plans, users, requests, payments, subs, monitor, coordinator, media, tg)

	monitor.Start()
	defer monitor.Stop()

	sweeper := bot.NewSweeper(b, cfg.Lifecycle.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	switch cfg.Telegram.Mode {
	case "webhook":
		ws := bot.NewWebhookServer(b, cfg.Telegram.WebhookPort, cfg.Debug)
		ws.Start()
		waitForShutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := ws.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Webhook server shutdown failed")
		}
	case "poll":
		poller := bot.NewPoller(b, tg, cfg.Telegram.PollTimeout)
		poller.Start()
		waitForShutdown()
		poller.Stop()
	default:
		logger.Fatal().Str("mode", cfg.Telegram.Mode).Msg("Unknown telegram mode, want poll or webhook")
	}

	logger.Info().Msg("Shutdown complete")
}

func openDocstore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		client, err := platformredis.Open(ctx,
			fmt.Sprintf("%s:%d", cfg.Storage.RedisHost, cfg.Storage.RedisPort),
			cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			return nil, err
		}
		return docstore.NewRedisStore(client.Client), nil
	case "file":
		return docstore.NewFileStore(cfg.Storage.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q, want file or redis", cfg.Storage.Backend)
	}
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
}
