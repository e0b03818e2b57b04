package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"renderly/internal/adapter/repo"
	"renderly/internal/http/handlers"
	httpapi "renderly/internal/http/httpapi"
	"renderly/internal/infra"
	"renderly/internal/queue"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := repo.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	queueClient, err := queue.NewClient(cfg.AMQPURL, cfg.QueueName, cfg.QueueRetries, cfg.QueueRetryWait, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect queue")
	}
	defer queueClient.Close()

	jobs := repo.NewJobRepository(dbpool)
	app := handlers.NewApp(jobs, queueClient, logger)
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	logger.Info().Str("addr", server.Addr()).Msg("api: listening")
	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("http server failed")
	}
	logger.Info().Msg("api: stopped")
}
