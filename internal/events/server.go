// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/logging"
)

// EmbeddedServer runs an in-process NATS server with JetStream, so a
// single-binary deployment can still hand events to external consumers
// over TCP.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts the embedded server, waiting
// until it accepts connections.
func NewEmbeddedServer(cfg *config.EventsConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "roomsync-events",
		Host:       "127.0.0.1",
		Port:       -1, // pick a free port
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoLog:      true,
		MaxPayload: 1 << 20,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within timeout")
	}

	logging.Info().
		Str("url", ns.ClientURL()).
		Str("store_dir", cfg.StoreDir).
		Msg("embedded NATS server started")
	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// Running reports server health.
func (s *EmbeddedServer) Running() bool {
	return s.server.Running()
}

// Shutdown stops the server, waiting for completion or ctx cancellation.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
