// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package websocket

import (
	"context"
	"sync"

	"github.com/jmcarlson/roomsync/internal/logging"
)

// Hub tracks live connections so shutdown can close them all. Delta
// routing happens per connection through the room actors; the hub only
// owns lifecycle.
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	register   chan *Conn
	unregister chan *Conn
	stopped    chan struct{}
	stopOnce   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:      make(map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		stopped:    make(chan struct{}),
	}
}

// add hands a connection to the run loop. A no-op once the hub has
// stopped, so connection teardown never blocks on a dead loop.
func (h *Hub) add(conn *Conn) {
	select {
	case h.register <- conn:
	case <-h.stopped:
		conn.closeSend()
	}
}

func (h *Hub) remove(conn *Conn) {
	select {
	case h.unregister <- conn:
	case <-h.stopped:
		conn.closeSend()
	}
}

// RunWithContext processes connection lifecycle events until ctx is
// canceled, then closes every remaining connection. Designed to run
// under suture supervision: a restart finds clean state.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.stopped) })
			h.closeAll()
			logging.Info().
				Str("component", "websocket-hub").
				Msg("websocket hub stopped")
			return ctx.Err()

		case conn := <-h.register:
			h.mu.Lock()
			h.conns[conn] = true
			total := len(h.conns)
			h.mu.Unlock()
			logging.Info().
				Str("conn", conn.id).
				Str("room", conn.actor.ID()).
				Int("total", total).
				Msg("websocket connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[conn]; ok {
				delete(h.conns, conn)
				conn.closeSend()
			}
			total := len(h.conns)
			h.mu.Unlock()
			logging.Info().
				Str("conn", conn.id).
				Int("total", total).
				Msg("websocket disconnected")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.closeSend()
		delete(h.conns, conn)
	}
}

// Count reports connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
