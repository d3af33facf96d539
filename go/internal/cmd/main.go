package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open game store")
	}
	defer closeStore()

	components, err := setupComponents(cfg, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build live components")
	}
	components.Start(ctx)

	server := setupServer(ctx, cfg, components)

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("store", cfg.Store).
			Str("instance_id", components.Cluster.InstanceID()).
			Bool("clustered", components.Cluster.Clustered()).
			Msg("courtside server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting connections. Hijacked websockets are not tracked by
	// Shutdown, so cancelling ctx below ends their in-flight work.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	components.Shutdown()
	cancel()

	log.Info().Msg("courtside server shutdown complete")
}
