package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"project_chatdigest/internal/config"
	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
	api "project_chatdigest/internal/interfaces/http"
	"project_chatdigest/internal/repository"
	"project_chatdigest/internal/usecases"
)

func main() {
	replaySince := flag.Duration("replay-since", 0, "replay unprocessed raw events received within this window, then exit")
	reconcileOnly := flag.Bool("reconcile", false, "run session reconciliation once, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		infrastructure.Logger().Fatal().Err(err).Msg("invalid configuration")
	}
	infrastructure.InitLogger(infrastructure.LogConfig{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "chatdigest"})
	logger := infrastructure.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL (migrates on connect)
	pgClient, err := infrastructure.NewPostgresClient(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pgClient.Close()

	// Repositories
	owners := repository.NewOwnerRepository(pgClient.Pool)
	rooms := repository.NewRoomRepository(pgClient.Pool)
	sessions := repository.NewSessionRepository(pgClient.Pool)
	messages := repository.NewMessageRepository(pgClient.Pool)
	summaries := repository.NewSummaryRepository(pgClient.Pool)
	rawEvents := repository.NewRawEventRepository(pgClient.Pool)
	usage := repository.NewUsageRepository(pgClient.Pool)

	// Duplicates must be gone before the unique index can be built
	reconciler := usecases.NewReconciler(sessions, summaries, cfg.Session.SummarizingGrace)
	report, err := reconciler.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup reconciliation failed")
	}
	if *reconcileOnly {
		logger.Info().Int("duplicates_closed", report.DuplicatesClosed).Int("stuck_closed", report.StuckClosed).Msg("reconciliation finished")
		return
	}
	if err := pgClient.EnsureActiveSessionIndex(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create active session index")
	}

	aiClient, err := infrastructure.NewOpenAIClient(infrastructure.AIClientConfig{
		BaseURL:   cfg.AI.BaseURL,
		APIKey:    cfg.AI.APIKey,
		Model:     cfg.AI.Model,
		MaxTokens: cfg.AI.MaxTokens,
		Timeout:   cfg.AI.Timeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create AI client")
	}

	mediaStore, err := newMediaStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create media store")
	}
	mediaFetcher := infrastructure.NewPlatformMediaFetcher(cfg.Media.Timeout)
	if cfg.Media.BaseURL != "" {
		mediaFetcher.Register(entities.PlatformGeneric, infrastructure.NewHTTPMediaFetcher(cfg.Media.BaseURL, cfg.Media.Timeout))
	}

	loc, _ := time.LoadLocation(cfg.Session.Timezone) // checked by Validate

	// Usecases
	resolver := usecases.NewIdentityResolver(owners, rooms)
	summarizer := usecases.NewSummarizer(sessions, messages, summaries, rooms, usage, aiClient, usecases.SummarizerConfig{
		Model:           aiClient.Model(),
		InputCostPer1K:  cfg.AI.InputCostPer1K,
		OutputCostPer1K: cfg.AI.OutputCostPer1K,
		Location:        loc,
	})
	sessionManager := usecases.NewSessionManager(sessions, rooms, summarizer, usecases.SessionConfig{
		MessageThreshold: cfg.Session.MessageThreshold,
		TimeThreshold:    cfg.Session.TimeThreshold,
	})
	ingestion := usecases.NewIngestionService(resolver, sessionManager, messages, mediaFetcher, mediaStore, usage)
	dispatcher := usecases.NewDispatcher(rawEvents, resolver, ingestion, cfg.RawEvent.Retention)
	projections := usecases.NewProjectionUsecase(owners, rooms, sessions, messages, summaries, usage)

	if *replaySince > 0 {
		replayed, err := dispatcher.Replay(ctx, time.Now().Add(-*replaySince))
		if err != nil {
			logger.Fatal().Err(err).Msg("replay failed")
		}
		logger.Info().Int("received", replayed.Received).Int("processed", replayed.Processed).Int("failed", replayed.Failed).Msg("replay finished")
		return
	}

	registerChannels(ctx, cfg, resolver, logger)

	// Telegram bots feed the dispatcher; the fetcher resolves file links through the same bots
	tgManager := infrastructure.NewTelegramBotManager(dispatcher)
	mediaFetcher.Register(entities.PlatformTelegram, infrastructure.NewTelegramMediaFetcher(tgManager, cfg.Media.Timeout))
	if cfg.Telegram.BotToken != "" && cfg.Telegram.Polling {
		if _, err := tgManager.ConnectBot(ctx, cfg.Telegram.ChannelID, cfg.Telegram.BotToken); err != nil {
			logger.Error().Err(err).Msg("telegram polling not started")
		}
	}
	defer tgManager.DisconnectAll()

	var waManager *infrastructure.WhatsAppManager
	if cfg.WhatsApp.Enabled {
		waManager = infrastructure.NewWhatsAppManager(cfg.WhatsApp.DeviceDir, dispatcher, cfg.Media.Timeout)
		if _, err := waManager.ConnectClient(ctx, cfg.WhatsApp.ChannelID); err != nil {
			logger.Error().Err(err).Msg("whatsapp not connected, pair through the QR endpoint")
		}
		defer waManager.DisconnectAll()
	}

	cronManager := usecases.NewCronManager(rawEvents, reconciler)
	if err := cronManager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start cron jobs")
	}
	defer cronManager.Stop()

	limiter := infrastructure.NewKeyedRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go limiter.RunCleanup(ctx, 5*time.Minute)

	// HTTP server
	if !cfg.Log.Pretty {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	api.SetupRoutes(r, api.Deps{
		Sink:        dispatcher,
		Projections: projections,
		Registrar:   resolver,
		WhatsApp:    waManager,
		Telegram:    tgManager,
		MaxBody:     cfg.Server.MaxBodyBytes,
	}, api.NewMiddleware(cfg.Server.JWTSecret, limiter, cfg.Server.AllowedOrigins))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}

func newMediaStore(ctx context.Context, cfg *config.Config) (interfaces.MediaStore, error) {
	if cfg.Media.Storage == "s3" {
		return infrastructure.NewS3MediaStore(ctx, infrastructure.S3StoreConfig{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	}
	return infrastructure.NewLocalMediaStore(cfg.Media.LocalPath)
}

// registerChannels creates the owners of the configured channels and stores their credentials.
func registerChannels(ctx context.Context, cfg *config.Config, resolver *usecases.IdentityResolver, logger zerolog.Logger) {
	channels := []struct {
		id       string
		platform entities.Platform
		token    string
		enabled  bool
	}{
		{cfg.Generic.ChannelID, entities.PlatformGeneric, cfg.Generic.AccessToken, cfg.Generic.ChannelID != ""},
		{cfg.Telegram.ChannelID, entities.PlatformTelegram, cfg.Telegram.BotToken, cfg.Telegram.BotToken != ""},
		{cfg.WhatsApp.ChannelID, entities.PlatformWhatsApp, "", cfg.WhatsApp.Enabled},
	}
	for _, ch := range channels {
		if !ch.enabled {
			continue
		}
		owner, err := resolver.RegisterChannel(ctx, ch.id, ch.platform, ch.token)
		if err != nil {
			logger.Error().Err(err).Str(infrastructure.FieldChannel, ch.id).Msg("channel registration failed")
			continue
		}
		logger.Info().Str(infrastructure.FieldChannel, ch.id).Int64("owner_id", owner.ID).Str("platform", string(ch.platform)).Msg("channel registered")
	}
}
