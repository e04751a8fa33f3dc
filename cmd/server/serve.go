package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"learnova.app/backend/internal/api"
	"learnova.app/backend/internal/auth"
	"learnova.app/backend/internal/config"
	"learnova.app/backend/internal/core"
	"learnova.app/backend/internal/logger"
	"learnova.app/backend/internal/payment"
	"learnova.app/backend/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.AppEnv, cfg.LogLevel)
	if cfg.IsDevelopment() {
		log.Debug().Msg("service starting in development mode")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY environment variable is required")
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL,
		store.WithLimits(cfg.Limits()),
		store.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	anon, closeAnon, err := anonymousStore(ctx, cfg, dbStore, log)
	if err != nil {
		return err
	}
	defer closeAnon()

	provider, err := core.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
	if err != nil {
		return err
	}
	defer provider.Close()

	payments := payment.NewClient(payment.Options{
		KeyID:     cfg.RazorpayKeyID,
		KeySecret: cfg.RazorpayKeySecret,
		BaseURL:   cfg.RazorpayBaseURL,
	})
	if !payments.Configured() {
		log.Warn().Msg("razorpay keys missing, premium checkout is disabled")
	}

	signer := auth.NewSigner(cfg.JWTSecret)
	orch := core.NewOrchestrator(core.Options{
		Store:     dbStore,
		Anonymous: anon,
		Provider:  provider,
		Payments:  payments,
		Signer:    signer,
		PriceINR:  cfg.PremiumPriceINR,
		Logger:    log,
	})
	defer orch.Close()

	apiHandler := api.NewAPIHandler(orch, signer, log)
	router := api.NewRouter(apiHandler, api.RouterOptions{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AnswerRatePerMin: cfg.AnswerRatePerMin,
		TrustProxy:       cfg.TrustProxy,
		Logger:           log,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // answers can take a while; the event stream lifts its own deadline
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	case <-quit:
	}
	log.Info().Msg("shutting down server")

	// Close live sessions first so open event streams return.
	orch.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server exiting gracefully")
	return nil
}

func anonymousStore(ctx context.Context, cfg *config.Config, dbStore *store.SQLiteStore, log zerolog.Logger) (store.AnonymousStore, func(), error) {
	if cfg.AnonQuotaBackend != "redis" {
		return dbStore.Anonymous(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("anonymous quotas kept in redis")
	return store.NewRedisAnonymousStore(client, cfg.AnonymousUsesLimit), func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis client")
		}
	}, nil
}
