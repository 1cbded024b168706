package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailbox-sync/internal/api"
	"github.com/Martian-dev/mailbox-sync/internal/auth"
	"github.com/Martian-dev/mailbox-sync/internal/config"
	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailbox-sync/internal/mime"
	natsjs "github.com/Martian-dev/mailbox-sync/internal/nats"
	"github.com/Martian-dev/mailbox-sync/internal/outbox"
	"github.com/Martian-dev/mailbox-sync/internal/outreach"
	"github.com/Martian-dev/mailbox-sync/internal/providers"
	mailsync "github.com/Martian-dev/mailbox-sync/internal/sync"
	"github.com/Martian-dev/mailbox-sync/internal/trigger"
)

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("failed to create data directory")
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open mailbox store")
	}
	defer store.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure event stream")
	}

	dispatcher := outbox.NewDispatcher(store, publisher)
	go dispatcher.Run(ctx)

	outreachDB, err := outreach.Open(cfg.OutreachDBDriver, cfg.OutreachDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open outreach database")
	}
	sendRecords := outreach.NewRepository(outreachDB)

	tokens := auth.NewBetterAuthClient(cfg.BetterAuthURL, cfg.BetterAuthServiceToken)
	factory := providers.NewFactory(tokens, cfg.GoogleClientID, cfg.GoogleClientSecret)

	engine := mailsync.NewEngine(store, store, factory.Client, mime.NewParser(), sendRecords, dispatcher, mailsync.Options{
		TimeBudget:     cfg.SyncTimeBudget,
		FullSyncWindow: cfg.FullSyncWindow,
		PageSize:       cfg.FullSyncPageSize,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})
	manager := mailsync.NewManager(engine, store)
	defer manager.StopAll()

	notifications := trigger.NewHandler(store, manager)
	if cfg.GoogleProjectID != "" && cfg.GmailPubSubSubscription != "" {
		sub, err := trigger.NewSubscriber(ctx, cfg.GoogleProjectID, cfg.GmailPubSubSubscription, cfg.GoogleCredentials, notifications)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub subscriber")
		}
		defer sub.Close()
		go func() {
			if err := sub.Run(ctx); err != nil {
				log.Error().Err(err).Msg("pubsub subscriber stopped")
			}
		}()
	}

	verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
	if err != nil {
		log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("failed to initialize JWT verifier")
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	api.NewServer(ctx, verifier, manager, store, notifications, api.Options{
		SyncInterval: cfg.SyncInterval,
		PushToken:    cfg.GmailPushToken,
	}).SetupRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("mailbox sync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
