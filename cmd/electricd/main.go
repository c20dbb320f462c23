// electricd is the replication broker between a PostgreSQL primary and
// its Satellite (embedded SQLite) clients.
//
// It reads configuration from electric.json in the working directory,
// opens a logical replication connection and a catalog-reading pool
// against PostgreSQL, and starts a websocket server implementing the
// Satellite replication protocol.
//
// Usage:
//
//	./electricd                # reads ./electric.json, starts server
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/arve0/electric/internal/authverify"
	"github.com/arve0/electric/internal/conn"
	"github.com/arve0/electric/internal/config"
	"github.com/arve0/electric/internal/schemacache"
	"github.com/arve0/electric/internal/server"
	"github.com/arve0/electric/internal/walsource"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	log.Info().Msg("electricd starting")

	cfg, err := config.Load("electric.json")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Info().Str("listen", cfg.ListenAddr).Str("db", cfg.DBName).Msg("config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Stringer("signal", sig).Msg("shutting down")
		cancel()
	}()

	cache, err := schemacache.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open schema cache")
	}
	defer cache.Close()

	if err := cache.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load initial schema snapshot")
	}
	log.Info().Msg("schema cache primed")

	wal := walsource.New(cfg.ConnString(), cfg.SlotName, cfg.Publication, log)
	auth := authverify.New(cfg.JWTSecret, cfg.JWTIssuer)

	deps := conn.Collaborators{
		Auth:  auth,
		Wal:   wal,
		Cache: cache,
	}

	srv := server.New(cfg, deps, log)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}

	log.Info().Msg("electricd stopped")
}
