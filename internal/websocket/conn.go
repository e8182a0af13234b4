// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package websocket is the live-subscription transport: each connection
// belongs to one room, subscribes to tables through the room actor, and
// receives table deltas as they commit. The transport owns the connection
// lifecycle; the actor's subscription registry only holds weak references
// that disconnect cleanup removes.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/models"
	"github.com/jmcarlson/roomsync/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Message types sent to clients.
const (
	MessageTypeDelta        = "delta"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypeError        = "error"
	MessageTypePong         = "pong"
)

// Client command actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Message is the envelope for every server-to-client frame.
type Message struct {
	Type  string `json:"type"`
	Table string `json:"table,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Action string `json:"action"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// Conn couples one websocket connection to one room actor. It implements
// room.Subscriber: deltas are queued on the send channel and the write
// pump drains it, so a slow client never blocks a flush. The send channel
// is never closed; shutdown closes done instead, so a delta push racing a
// disconnect is a silent drop rather than a send on a closed channel.
type Conn struct {
	id    string
	hub   *Hub
	actor *room.Actor
	ws    *websocket.Conn
	send  chan Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewConn wraps an upgraded connection for a room.
func NewConn(hub *Hub, actor *room.Actor, ws *websocket.Conn) *Conn {
	return &Conn{
		id:    uuid.New().String(),
		hub:   hub,
		actor: actor,
		ws:    ws,
		send:  make(chan Message, sendBuffer),
		done:  make(chan struct{}),
	}
}

// ID implements room.Subscriber.
func (c *Conn) ID() string {
	return c.id
}

// SendDelta implements room.Subscriber. Never blocks; a client that
// cannot keep up loses frames and is expected to resubscribe for a fresh
// snapshot.
func (c *Conn) SendDelta(delta *models.TableDelta) {
	c.enqueue(Message{Type: MessageTypeDelta, Table: delta.Table, Data: delta})
}

func (c *Conn) enqueue(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		logging.Warn().
			Str("conn", c.id).
			Str("room", c.actor.ID()).
			Str("type", msg.Type).
			Msg("send buffer full; frame dropped")
	}
}

// closeSend marks the connection down and wakes the write pump. Idempotent;
// frames enqueued afterwards are dropped.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Start launches the read and write pumps and registers with the hub.
func (c *Conn) Start() {
	c.hub.add(c)
	go c.writePump()
	go c.readPump()
}

// readPump consumes client commands until the connection closes, then
// tears down every subscription the connection held.
func (c *Conn) readPump() {
	defer func() {
		c.actor.DropConnection(c.id)
		c.hub.remove(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("set read deadline")
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("conn", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.handle(&cmd)
	}
}

func (c *Conn) handle(cmd *Command) {
	switch cmd.Action {
	case ActionSubscribe:
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := c.actor.Subscribe(ctx, c, cmd.Table, cmd.Filter)
		cancel()
		if err != nil {
			c.enqueue(Message{
				Type:  MessageTypeError,
				Table: cmd.Table,
				Error: err.Error(),
				Kind:  string(room.KindOf(err)),
			})
			return
		}
		c.enqueue(Message{Type: MessageTypeSubscribed, Table: cmd.Table})

	case ActionUnsubscribe:
		c.actor.Unsubscribe(c.id, cmd.Table)
		c.enqueue(Message{Type: MessageTypeUnsubscribed, Table: cmd.Table})

	case ActionPing:
		c.enqueue(Message{Type: MessageTypePong})

	default:
		c.enqueue(Message{
			Type:  MessageTypeError,
			Error: "unknown action " + cmd.Action,
			Kind:  string(room.KindValidation),
		})
	}
}

// writePump drains the send channel to the wire and keeps the connection
// alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
