package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ansible-runner-service/internal/config"
	"ansible-runner-service/internal/gitpolicy"
	"ansible-runner-service/internal/gitsource"
	"ansible-runner-service/internal/health"
	"ansible-runner-service/internal/queue"
	"ansible-runner-service/internal/runner"
	"ansible-runner-service/internal/server"
	"ansible-runner-service/internal/store"
	"ansible-runner-service/internal/vault"
	"ansible-runner-service/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}
	setupLogging()
	logger := log.With().Str("component", "main").Logger()

	cfg := config.Load()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := store.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	policy, err := gitpolicy.Load(cfg.GitProviders)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid GIT_PROVIDERS configuration")
	}
	if os.Getenv("VAULT_ADDR") != "" {
		vaultClient, err := vault.NewClient()
		if err != nil {
			logger.Warn().Err(err).Msg("Vault unavailable, using environment credentials only")
		} else {
			policy = policy.WithSecretSource(vaultClient, cfg.GitCredentialsVaultPath)
		}
	}

	ephemeral := store.NewEphemeral(redisClient, cfg.JobTTL)
	durable := store.NewRepository(db)
	jobStore := store.NewJobStore(ephemeral, durable, log.Logger)
	jobQueue := queue.New(redisClient)

	// Abandoned jobs from a previous run are settled before serving traffic.
	server.RecoverStaleJobs(context.Background(), durable, ephemeral, cfg.StaleAfter, log.Logger)

	// Sync submissions run inline through the same execution path the
	// worker pool uses.
	executor := worker.NewPool(nil, jobStore, runner.New(log.Logger),
		gitsource.NewMaterializer(policy, log.Logger), worker.Config{
			PlaybooksDir:   cfg.PlaybooksDir,
			CollectionsDir: cfg.CollectionsDir,
		}, log.Logger)

	checker := health.NewChecker(redisClient, db, jobQueue, log.Logger)

	srv := server.New(cfg, server.Deps{
		Store:    jobStore,
		Lister:   durable,
		Queue:    jobQueue,
		Executor: executor,
		Policy:   policy,
		Checker:  checker,
	}, log.Logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal().Err(err).Msg("Server failed")

	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Could not stop server gracefully")
			os.Exit(1)
		}
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}
