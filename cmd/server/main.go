// Package main is the entry point for the cellar intelligence service.
// It wires the four-database architecture (cellar, ledger, learning,
// cache), starts the weather scheduler, the cron jobs and the HTTP
// server, then waits for a shutdown signal.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/config"
	"github.com/aristath/cellar/internal/di"
	"github.com/aristath/cellar/internal/server"
)

func newLogger(level string, pretty bool) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(parsed).With().Timestamp().Logger()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := newLogger("info", true)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := newLogger(cfg.LogLevel, cfg.DevMode)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting cellar service")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	container.Scheduler.Start()
	container.Cron.Start()
	log.Info().Msg("Background workers started")

	srv := server.New(cfg, server.Deps{
		Log:         log,
		Inventory:   container.Inventory,
		Resolver:    container.Resolver,
		Wines:       container.Wines,
		Vintages:    container.Vintages,
		Suppliers:   container.Suppliers,
		Pairing:     container.Pairing,
		Vintage:     container.Vintage,
		Learning:    container.Learning,
		Experiments: container.Experiments,
		Dispatcher:  container.Dispatcher,
		Cache:       container.Cache,
		Bus:         container.Bus,
		Metrics:     container.Metrics,
		RUM:         container.RUM,
		System:      container.System,
		Scheduler:   container.Scheduler,
		Backups:     container.Backups,
		Databases:   container.Databases,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	container.Cron.Stop()
	container.Scheduler.Stop()
	log.Info().Msg("Cellar service stopped")
}
