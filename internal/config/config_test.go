// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8737, cfg.Server.Port)
	assert.Equal(t, int64(8<<20), cfg.Room.MemoryCeilingBytes)
	assert.Equal(t, 100, cfg.Room.FlushChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Room.QueryTimeout)
	assert.Equal(t, 10000, cfg.Room.MaxSubscribersPerTable)
	assert.Equal(t, "memory", cfg.Events.Mode)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("ROOMSYNC_SERVER_PORT", "9001")
	t.Setenv("ROOMSYNC_ROOM_FLUSH_CHUNK_SIZE", "50")
	t.Setenv("ROOMSYNC_RATE_LIMIT_REQUESTS", "3")
	t.Setenv("ROOMSYNC_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Room.FlushChunkSize)
	assert.Equal(t, 3, cfg.RateLimit.Requests)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 4545
room:
  memory_ceiling_bytes: 2048
events:
  mode: memory
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4545, cfg.Server.Port)
	assert.Equal(t, int64(2048), cfg.Room.MemoryCeilingBytes)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Room.FlushChunkSize)
}

func TestEnvKeyTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ROOMSYNC_SERVER_PORT", "server.port"},
		{"ROOMSYNC_RATE_LIMIT_REQUESTS", "rate_limit.requests"},
		{"ROOMSYNC_ROOM_MEMORY_CEILING_BYTES", "room.memory_ceiling_bytes"},
		{"ROOMSYNC_EVENTS_QUEUE_SIZE", "events.queue_size"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envKeyTransform(tt.in), tt.in)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"tiny ceiling", func(c *Config) { c.Room.MemoryCeilingBytes = 10 }},
		{"zero chunk", func(c *Config) { c.Room.FlushChunkSize = 0 }},
		{"zero query timeout", func(c *Config) { c.Room.QueryTimeout = 0 }},
		{"evict before idle", func(c *Config) {
			c.Room.IdleAfter = 10 * time.Minute
			c.Room.EvictAfter = time.Minute
		}},
		{"bad events mode", func(c *Config) { c.Events.Mode = "kafka" }},
		{"nats without url", func(c *Config) {
			c.Events.Mode = "nats"
			c.Events.URL = ""
			c.Events.EmbeddedServer = false
		}},
		{"journal without path", func(c *Config) {
			c.Journal.Enabled = true
			c.Journal.Path = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	assert.NoError(t, defaultConfig().Validate())
}
