// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package config

import (
	"fmt"
	"time"
)

// Validate checks configuration invariants after loading. Struct tags cover
// simple range checks; this covers the relationships between fields.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Room.MemoryCeilingBytes < 1024 {
		return fmt.Errorf("room.memory_ceiling_bytes must be at least 1024, got %d", c.Room.MemoryCeilingBytes)
	}
	if c.Room.FlushChunkSize < 1 {
		return fmt.Errorf("room.flush_chunk_size must be positive, got %d", c.Room.FlushChunkSize)
	}
	if c.Room.QueryTimeout <= 0 {
		return fmt.Errorf("room.query_timeout must be positive, got %s", c.Room.QueryTimeout)
	}
	if c.Room.MaxSubscribersPerTable < 1 {
		return fmt.Errorf("room.max_subscribers_per_table must be positive, got %d", c.Room.MaxSubscribersPerTable)
	}
	if c.Room.IdleAfter > 0 && c.Room.EvictAfter > 0 && c.Room.EvictAfter < c.Room.IdleAfter {
		return fmt.Errorf("room.evict_after (%s) must not be shorter than room.idle_after (%s)",
			c.Room.EvictAfter, c.Room.IdleAfter)
	}
	if c.RateLimit.Requests < 1 {
		return fmt.Errorf("rate_limit.requests must be positive, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Window < time.Millisecond {
		return fmt.Errorf("rate_limit.window must be at least 1ms, got %s", c.RateLimit.Window)
	}
	switch c.Events.Mode {
	case "memory":
	case "nats":
		if c.Events.URL == "" && !c.Events.EmbeddedServer {
			return fmt.Errorf("events.url is required when events.mode is nats without an embedded server")
		}
	default:
		return fmt.Errorf("events.mode must be memory or nats, got %q", c.Events.Mode)
	}
	if c.Events.QueueSize < 1 {
		return fmt.Errorf("events.queue_size must be positive, got %d", c.Events.QueueSize)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal.enabled is true")
	}
	if c.Backup.KeepLast < 0 {
		return fmt.Errorf("backup.keep_last must not be negative, got %d", c.Backup.KeepLast)
	}
	return nil
}
