package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"renderly/internal/adapter/repo"
	"renderly/internal/infra"
	"renderly/internal/infra/credentials"
	"renderly/internal/media"
	"renderly/internal/pipeline"
	"renderly/internal/providers/overlay"
	"renderly/internal/providers/scenevideo"
	"renderly/internal/queue"
	"renderly/internal/storage"
)

const metadataTokenURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("worker: schema check failed")
	}

	queueClient, err := queue.NewClient(cfg.AMQPURL, cfg.QueueName, cfg.QueueRetries, cfg.QueueRetryWait, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: queue connection failed")
	}
	defer queueClient.Close()

	store, err := storage.NewObjectStore(storage.Options{
		Endpoint:      cfg.StorageEndpoint,
		AccessKey:     cfg.StorageAccessKey,
		SecretKey:     cfg.StorageSecretKey,
		PublicBaseURL: cfg.StoragePublicURL,
		SignedURLTTL:  cfg.SignedURLTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage configuration failed")
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = metadataTokenURL
	}
	creds := credentials.NewProvider(credentials.NewHTTPTokenSource(tokenURL, nil))

	httpClient := &http.Client{Timeout: 120 * time.Second}
	sceneClient := scenevideo.NewClient(scenevideo.Options{
		ProjectID:    cfg.GCPProjectID,
		Location:     cfg.SceneLocation,
		Model:        cfg.SceneModel,
		BaseURL:      cfg.SceneBaseURL,
		Credentials:  creds,
		Prober:       store,
		HTTPClient:   httpClient,
		PollAttempts: cfg.ScenePollAttempts,
		PollInterval: cfg.ScenePollInterval,
		Logger:       logger,
	})

	overlayClient := overlay.NewClient(overlay.Options{
		APIKey:       cfg.OverlayAPIKey,
		BaseV1:       cfg.OverlayBaseV1,
		BaseV2:       cfg.OverlayBaseV2,
		RetryDelay:   cfg.OverlayRetryDelay,
		PollAttempts: cfg.OverlayPollAttempts,
		PollInterval: cfg.OverlayPollInterval,
		HTTPClient:   httpClient,
		Logger:       logger,
	})

	merger := media.NewMerger(store, httpClient, logger)

	var mixer pipeline.MusicMixer
	if m := media.NewMusicMixer(cfg.MusicTrackURLs, store, httpClient, logger); m != nil {
		mixer = m
	}

	orchestrator := pipeline.New(pipeline.Options{
		Jobs:       repo.NewJobRepository(pool),
		Scenes:     sceneClient,
		Avatar:     overlayClient,
		Merger:     merger,
		Music:      mixer,
		Store:      store,
		Bucket:     cfg.StorageBucket,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	logger.Info().Str("queue", cfg.QueueName).Msg("worker: started")
	if err := queueClient.Consume(ctx, orchestrator.Run); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
