// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Command server runs the Roomsync node: the DuckDB-backed durable store,
// per-room coordination actors, the HTTP/WebSocket front door, outbound
// change-event fan-out, and scheduled snapshots, all under one
// supervision tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmcarlson/roomsync/internal/api"
	"github.com/jmcarlson/roomsync/internal/backup"
	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/database"
	"github.com/jmcarlson/roomsync/internal/events"
	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/room"
	"github.com/jmcarlson/roomsync/internal/supervisor"
	"github.com/jmcarlson/roomsync/internal/wal"
	"github.com/jmcarlson/roomsync/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	logging.Info().
		Str("db", cfg.Database.Path).
		Str("events_mode", cfg.Events.Mode).
		Bool("journal", cfg.Journal.Enabled).
		Msg("starting roomsync")

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeQuietly("database", db.Close)

	// The journal interface stays nil (not a typed nil) when disabled.
	var journal room.Journal
	var badgerJournal *wal.BadgerJournal
	if cfg.Journal.Enabled {
		badgerJournal, err = wal.Open(&cfg.Journal)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer closeQuietly("journal", badgerJournal.Close)
		journal = badgerJournal
	}

	transport, err := events.NewTransport(&cfg.Events)
	if err != nil {
		return fmt.Errorf("start event transport: %w", err)
	}
	defer closeQuietly("event transport", transport.Close)

	publisher := events.NewChangePublisher(transport.Publisher, cfg.Events.QueueSize)
	defer publisher.Close()

	registry := room.NewRegistry(db, &cfg.Room, &cfg.RateLimit, journal, publisher)

	backups, err := backup.NewManager(&cfg.Backup)
	if err != nil {
		return fmt.Errorf("open backup store: %w", err)
	}

	hub := websocket.NewHub()

	handlers := api.NewHandlers(cfg, db, registry, backups, hub, publisher)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddDataService(supervisor.NewRunnerService("room-janitor",
		supervisor.RunnerFunc(registry.RunJanitor)))
	tree.AddDataService(supervisor.NewRunnerService("backup-scheduler",
		supervisor.RunnerFunc(func(ctx context.Context) error {
			return backups.RunScheduler(ctx, registry)
		})))
	if badgerJournal != nil {
		tree.AddDataService(supervisor.NewRunnerService("journal-gc",
			supervisor.RunnerFunc(func(ctx context.Context) error {
				ticker := time.NewTicker(5 * time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
						badgerJournal.RunGC()
					}
				}
			})))
	}

	tree.AddMessagingService(supervisor.NewRunnerService("websocket-hub",
		supervisor.RunnerFunc(hub.RunWithContext)))
	tree.AddMessagingService(supervisor.NewRunnerService("event-publisher",
		supervisor.RunnerFunc(publisher.Run)))

	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", httpServer.Addr).Msg("roomsync listening")
	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervision tree failed: %w", err)
	}

	// Flush every room's pending writes before the deferred closes run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)

	logging.Info().Msg("roomsync stopped")
	return nil
}

func closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logging.Warn().Err(err).Str("component", name).Msg("close failed")
	}
}
