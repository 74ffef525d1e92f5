package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/convsync/convsync/internal/auth"
	"github.com/convsync/convsync/internal/db"
	"github.com/convsync/convsync/internal/httpapi"
	"github.com/convsync/convsync/internal/metrics"
	"github.com/convsync/convsync/internal/notify"
	"github.com/convsync/convsync/internal/store"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "convsyncd").Logger()

	// Pretty logging for local dev
	devMode := env("ENV", "dev") == "dev"
	if devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Revision store: postgres when DATABASE_URL is set, in-memory otherwise.
	var revStore store.Store
	if pgURL := env("DATABASE_URL", ""); pgURL != "" {
		pool, err := db.Open(ctx, pgURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		revStore = store.NewPostgres(pool)
	} else {
		log.Warn().Msg("DATABASE_URL not set; using in-memory store, data is lost on restart")
		revStore = store.NewMemory()
	}

	srv := &httpapi.Server{
		Store:   revStore,
		Broker:  notify.NewBroker(),
		Metrics: metrics.New(),
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     devMode,
	}

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:        httpAddr,
		Handler:     srv.Routes(jwtCfg),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the events stream stays open for its full TTL.
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
