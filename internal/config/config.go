// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package config holds all application configuration for Roomsync.
//
// Configuration is loaded in three layers (Koanf v2):
//  1. Defaults: built-in values for every optional setting
//  2. Config file: optional YAML file (config.yaml) for persistent settings
//  3. Environment variables: ROOMSYNC_* overrides for any setting
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal().Err(err).Msg("failed to load config")
//	}
//	db, err := database.New(&cfg.Database)
package config

import "time"

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Room      RoomConfig      `koanf:"room"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Backup    BackupConfig    `koanf:"backup"`
	Events    EventsConfig    `koanf:"events"`
	Journal   JournalConfig   `koanf:"journal"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP/WebSocket front door.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig configures the DuckDB-backed durable store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. ":memory:" keeps everything
	// in-process, which the tests rely on.
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	// Threads is the DuckDB thread count. 0 = runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// RoomConfig bounds the per-room coordination actor.
type RoomConfig struct {
	// MemoryCeilingBytes caps unflushed write data per room. Staging a
	// mutation that would exceed the ceiling forces a flush first.
	MemoryCeilingBytes int64 `koanf:"memory_ceiling_bytes" validate:"min=1024"`

	// FlushInterval is the write-buffer debounce: a buffer older than this
	// is flushed on the next tick even if not full.
	FlushInterval time.Duration `koanf:"flush_interval"`

	// FlushChunkSize bounds rows applied per durable write call.
	FlushChunkSize int `koanf:"flush_chunk_size" validate:"min=1"`

	// FlushChunkRate paces chunk application during bulk flushes, in
	// chunks per second. 0 leaves flushes unpaced.
	FlushChunkRate int `koanf:"flush_chunk_rate" validate:"min=0"`

	// QueryTimeout is the hard budget for a single guarded query.
	QueryTimeout time.Duration `koanf:"query_timeout"`

	// MaxSubscribersPerTable caps live subscriptions per (room, table).
	MaxSubscribersPerTable int `koanf:"max_subscribers_per_table" validate:"min=1"`

	// IdleAfter moves a warm room to idle when it has seen no traffic.
	IdleAfter time.Duration `koanf:"idle_after"`

	// EvictAfter drops an idle room's in-memory state entirely.
	EvictAfter time.Duration `koanf:"evict_after"`

	// JanitorInterval is how often the lifecycle sweep runs.
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// RateLimitConfig configures the per-caller sliding-window limiter inside
// each room actor. The front door additionally applies httprate per IP.
type RateLimitConfig struct {
	Requests int           `koanf:"requests" validate:"min=1"`
	Window   time.Duration `koanf:"window"`
	// CleanupInterval bounds limiter memory by pruning stale keys.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// BackupConfig configures snapshot creation and retention.
type BackupConfig struct {
	// Dir is the snapshot storage directory.
	Dir string `koanf:"dir"`
	// KeepLast caps retained snapshots per room; 0 disables pruning.
	KeepLast int `koanf:"keep_last"`
	// Interval enables scheduled snapshots of active rooms when > 0.
	Interval time.Duration `koanf:"interval"`
}

// EventsConfig configures outbound change-event fan-out.
type EventsConfig struct {
	// Mode selects the transport: "memory" (in-process Watermill GoChannel)
	// or "nats" (JetStream via watermill-nats).
	Mode string `koanf:"mode" validate:"oneof=memory nats"`
	// URL is the NATS server URL when Mode is "nats".
	URL string `koanf:"url"`
	// EmbeddedServer starts an in-process NATS server with JetStream.
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	StreamName     string `koanf:"stream_name"`
	// QueueSize bounds the per-publisher outbound queue. Events beyond the
	// bound are dropped with a warning; downstream owns retry/DLQ.
	QueueSize int `koanf:"queue_size" validate:"min=1"`
}

// JournalConfig configures the badger-backed staged-mutation journal.
type JournalConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// SecurityConfig configures front-door admission. Authentication proper is
// an external collaborator; the actor trusts the identity resolved here.
type SecurityConfig struct {
	// TokenSecret enables HS256 bearer-token parsing when non-empty.
	TokenSecret string `koanf:"token_secret"`
	// HTTPRateRequests/HTTPRateWindow configure go-chi/httprate per IP.
	HTTPRateRequests int           `koanf:"http_rate_requests"`
	HTTPRateWindow   time.Duration `koanf:"http_rate_window"`
	CORSOrigins      []string      `koanf:"cors_origins"`
}

// LoggingConfig configures the zerolog layer.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with every default applied. These are the
// values in effect before the config file and environment are consulted.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8737,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/roomsync.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Room: RoomConfig{
			MemoryCeilingBytes:     8 << 20, // 8MB of unflushed writes per room
			FlushInterval:          200 * time.Millisecond,
			FlushChunkSize:         100,
			FlushChunkRate:         0,
			QueryTimeout:           5 * time.Second,
			MaxSubscribersPerTable: 10000,
			IdleAfter:              2 * time.Minute,
			EvictAfter:             10 * time.Minute,
			JanitorInterval:        15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Requests:        100,
			Window:          time.Second,
			CleanupInterval: time.Minute,
		},
		Backup: BackupConfig{
			Dir:      "/data/backups",
			KeepLast: 10,
			Interval: 0, // scheduled backups off by default
		},
		Events: EventsConfig{
			Mode:           "memory",
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: false,
			StoreDir:       "/data/nats/jetstream",
			StreamName:     "ROOM_CHANGES",
			QueueSize:      1024,
		},
		Journal: JournalConfig{
			Enabled:    false,
			Path:       "/data/journal",
			SyncWrites: true,
		},
		Security: SecurityConfig{
			TokenSecret:      "",
			HTTPRateRequests: 300,
			HTTPRateWindow:   time.Minute,
			CORSOrigins:      []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
