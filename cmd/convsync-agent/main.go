package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/convsync/convsync/internal/client"
	"github.com/convsync/convsync/internal/client/localstore"
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
	log.Logger = log.With().Str("service", "convsync-agent").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	serverURL := env("SERVER_URL", "http://localhost:8081")
	token := env("SYNC_TOKEN", "")
	debugSub := env("DEBUG_SUB", "")
	user := env("SYNC_USER", debugSub)
	if token == "" && debugSub == "" {
		log.Fatal().Msg("SYNC_TOKEN or DEBUG_SUB is required")
	}
	if user == "" {
		log.Fatal().Msg("SYNC_USER is required when authenticating with SYNC_TOKEN")
	}

	dataDir := env("DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal().Err(err).Msg("DATA_DIR not set and home directory unknown")
		}
		dataDir = filepath.Join(home, ".convsync")
	}

	local, err := localstore.Open(localstore.Options{
		Dir:        filepath.Join(dataDir, "conversations"),
		User:       user,
		SyncWrites: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer func() {
		if err := local.Close(); err != nil {
			log.Error().Err(err).Msg("local store close error")
		}
	}()

	transport := &client.HTTPTransport{
		BaseURL:  serverURL,
		Token:    token,
		DebugSub: debugSub,
	}

	ctx := context.Background()
	stop, err := client.StartAgent(ctx, client.AgentConfig{
		Store:      local,
		StateStore: local,
		Remote:     transport,
		Events:     transport,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start sync agent")
	}
	log.Info().Str("server", serverURL).Str("user", user).Msg("sync agent running")

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	stop()
	log.Info().Msg("agent stopped")
}
