// Package main runs the wallet security core behind a local HTTP bridge.
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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/layer-3/pidwallet/config"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "pidwallet.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	configureLogging(cfg.Log)

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Str("binding", cfg.Issuer.Binding).
		Msg("pidwallet starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create wallet")
	}
	defer a.Close()

	if cfg.HTTP.APIToken == "" {
		log.Warn().Msg("no API token configured, bridge will reject every request")
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("bridge listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Failed to start server")
		return
	}

	log.Info().Msg("shutdown complete")
}

func configureLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
