package main

import (
	"context"
	"errors"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"gold-decision-engine/config"
	"gold-decision-engine/internal/ai"
	"gold-decision-engine/internal/api"
	"gold-decision-engine/internal/bus"
	"gold-decision-engine/internal/engine"
	"gold-decision-engine/internal/journal"
	"gold-decision-engine/internal/logging"
	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/metrics"
	"gold-decision-engine/internal/signal"
	"gold-decision-engine/internal/store"
	"gold-decision-engine/internal/tuner"
	"gold-decision-engine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("symbol", cfg.Normalizer.DefaultSymbol).Msg("gold decision engine starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets: Vault overrides the environment when enabled.
	secrets, err := vault.NewClient(cfg.Vault, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault init failed")
	}
	cfg.AI.Client.APIKey = secrets.Resolve(ctx, "OPENAI_API_KEY")
	cfg.API.WebhookToken = secrets.Resolve(ctx, "WEBHOOK_TOKEN")
	cfg.API.MetricsToken = secrets.Resolve(ctx, "METRICS_TOKEN")
	cfg.API.AdminPasswordHash = secrets.Resolve(ctx, "ADMIN_PASSWORD_HASH")

	// Metrics: the JSON registry plus its Prometheus mirror.
	prom := metrics.NewProm()
	reg := metrics.NewRegistry(cfg.Metrics, prom)
	var days metrics.ByDay
	if err := store.LoadJSON(cfg.Files.MetricsFile, &days); err == nil {
		reg.Restore(days)
		logger.Info().Int("days", len(days)).Msg("metrics restored")
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("metrics restore failed")
	}
	reg.Prune()

	// Signal cache survives restarts via the JSON snapshot.
	cache := signal.NewCache(cfg.Cache)
	var sigs []signal.Signal
	if err := store.LoadJSON(cfg.Files.SignalCacheFile, &sigs); err == nil {
		n := cache.Restore(sigs, time.Now())
		logger.Info().Int("signals", n).Msg("signal cache restored")
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("signal cache restore failed")
	}

	qtrend := signal.NewQTrendStore(cfg.QTrendMaxAgeSec, cfg.QTrendTFFallback)
	provider := market.NewProvider(cfg.Market, logger)
	hb := bus.NewHeartbeat(cfg.Heartbeat, logger)

	// Redis bus. A down Redis degrades: subscribers reconnect, publishes
	// fail and are counted, the engine keeps serving webhooks.
	busClient := bus.NewClient(cfg.Bus, logger)
	defer busClient.Close()
	publisher := bus.NewPublisher(busClient, reg.IncBusSend, logger)

	oracle := ai.NewLLMOracle(ai.NewClient(cfg.AI.Client), cfg.AI.Oracle, reg.RecordAICall, logger)

	// Optional PostgreSQL decision journal.
	var rec journal.Recorder = journal.Noop()
	if cfg.DatabaseURL != "" {
		pg, err := journal.NewPG(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error().Err(err).Msg("journal disabled, connection failed")
		} else {
			rec = pg
		}
	}
	defer rec.Close()

	eng := engine.New(cfg.Engine, engine.Deps{
		Normalizer: signal.NewNormalizer(cfg.Normalizer),
		Cache:      cache,
		QTrend:     qtrend,
		Market:     provider,
		Oracle:     oracle,
		Pub:        publisher,
		HB:         hb,
		Metrics:    reg,
		Journal:    rec,
	}, logger)

	srv := api.NewServer(cfg.API, eng, reg, prom.Handler(), cfg.Redacted(), logger)
	eng.Notify = srv.Notify

	// Inbound bus feeds.
	go bus.NewHeartbeatSubscriber(busClient, hb).Run(ctx)
	feed := bus.NewMarketFeed(provider, logger)
	go bus.NewMarketFeedSubscriber(busClient, feed).Run(ctx)
	go hb.Watch(ctx, time.Second, prom.SetHeartbeatFresh)

	flusher := store.NewFlusher(logger,
		time.Duration(cfg.Files.FlushIntervalSec)*time.Second,
		time.Duration(cfg.Files.FlushForceSec)*time.Second,
		store.Target{
			Name:      "signal_cache",
			Path:      cfg.Files.SignalCacheFile,
			Dirty:     cache.Dirty,
			Snapshot:  func() any { return cache.Snapshot() },
			MarkClean: cache.MarkClean,
		},
		store.Target{
			Name:      "metrics",
			Path:      cfg.Files.MetricsFile,
			Dirty:     reg.Dirty,
			Snapshot:  func() any { return reg.Snapshot() },
			MarkClean: reg.MarkClean,
		},
	)
	go flusher.Run(ctx)

	go tuner.New(cfg.Tuner, eng, reg, logger).Run(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	eng.Drain()
	flusher.FlushAll()

	logger.Info().Msg("shutdown complete")
}
