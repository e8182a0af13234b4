// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/database"
	"github.com/jmcarlson/roomsync/internal/models"
	"github.com/jmcarlson/roomsync/internal/room"
)

func testActor(t *testing.T) *room.Actor {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	actor, err := room.NewActor("r1", db,
		&config.RoomConfig{
			MemoryCeilingBytes:     1 << 20,
			FlushInterval:          50 * time.Millisecond,
			FlushChunkSize:         100,
			QueryTimeout:           time.Second,
			MaxSubscribersPerTable: 10,
			IdleAfter:              time.Minute,
			EvictAfter:             time.Minute,
		},
		&config.RateLimitConfig{Requests: 100, Window: time.Second, CleanupInterval: time.Minute},
		nil, nil)
	require.NoError(t, err)
	return actor
}

// dialTestServer upgrades a client against a live hub and actor.
func dialTestServer(t *testing.T, hub *Hub, actor *room.Actor) *gorilla.Conn {
	t.Helper()
	upgrader := gorilla.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		NewConn(hub, actor, ws).Start()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readMessage(t *testing.T, client *gorilla.Conn) Message {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, client.ReadJSON(&msg))
	return msg
}

func TestSubscribeReceivesSnapshotThenDeltas(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.RunWithContext(ctx) }()

	actor := testActor(t)
	client := dialTestServer(t, hub, actor)

	require.NoError(t, client.WriteJSON(Command{Action: ActionSubscribe, Table: "tasks"}))

	// Initial snapshot delta arrives before the subscribe ack: the actor
	// pushes it synchronously during Subscribe.
	first := readMessage(t, client)
	assert.Equal(t, MessageTypeDelta, first.Type)
	second := readMessage(t, client)
	assert.Equal(t, MessageTypeSubscribed, second.Type)
	assert.Equal(t, "tasks", second.Table)

	require.NoError(t, actor.Mutate(context.Background(), "alice", &models.Mutation{
		Op: models.OpInsert, Table: "tasks", RowID: "a", Row: map[string]any{"title": "hi"},
	}))
	require.NoError(t, actor.Flush(context.Background()))

	delta := readMessage(t, client)
	assert.Equal(t, MessageTypeDelta, delta.Type)
	assert.Equal(t, "tasks", delta.Table)
}

func TestSubscribeInvalidTableReturnsError(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.RunWithContext(ctx) }()

	client := dialTestServer(t, hub, testActor(t))

	require.NoError(t, client.WriteJSON(Command{Action: ActionSubscribe, Table: "bad table"}))
	msg := readMessage(t, client)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, string(room.KindValidation), msg.Kind)
}

func TestPingPong(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.RunWithContext(ctx) }()

	client := dialTestServer(t, hub, testActor(t))

	require.NoError(t, client.WriteJSON(Command{Action: ActionPing}))
	msg := readMessage(t, client)
	assert.Equal(t, MessageTypePong, msg.Type)
}

func TestSendDeltaAfterShutdownDoesNotPanic(t *testing.T) {
	// A flush can race a disconnect: the subscription registry snapshots
	// its subscribers before the hub tears the connection down, so
	// SendDelta may land on a connection whose send path is already
	// closed. That delta is dropped, never a panic.
	conn := NewConn(NewHub(), testActor(t), nil)

	conn.closeSend()
	conn.closeSend() // idempotent

	assert.NotPanics(t, func() {
		conn.SendDelta(&models.TableDelta{Table: "tasks"})
	})
}

func TestTeardownAfterHubStopDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.RunWithContext(ctx) }()

	actor := testActor(t)
	client := dialTestServer(t, hub, actor)

	require.NoError(t, client.WriteJSON(Command{Action: ActionSubscribe, Table: "tasks"}))
	readMessage(t, client) // snapshot
	readMessage(t, client) // ack
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	cancel()

	// Stopping the hub closes the connection, which fires the read pump's
	// teardown. It must complete, dropping the subscription, even though
	// the hub's run loop is gone.
	assert.Eventually(t, func() bool {
		return hub.Count() == 0 && actor.Health().TotalSubscribers == 0
	}, 2*time.Second, 10*time.Millisecond, "teardown completed after hub stop")
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.RunWithContext(ctx) }()

	actor := testActor(t)
	client := dialTestServer(t, hub, actor)

	require.NoError(t, client.WriteJSON(Command{Action: ActionSubscribe, Table: "tasks"}))
	readMessage(t, client) // snapshot
	readMessage(t, client) // ack

	assert.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		return hub.Count() == 0 && actor.Health().TotalSubscribers == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect unsubscribes every table interest")
}
