// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/models"
)

func TestMemoryTransportDelivery(t *testing.T) {
	transport, err := NewTransport(&config.EventsConfig{Mode: "memory", QueueSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	messages, err := transport.Subscriber.Subscribe(ctx, TopicRoomChanges)
	require.NoError(t, err)

	pub := NewChangePublisher(transport.Publisher, 16)
	go func() { _ = pub.Run(ctx) }()
	t.Cleanup(pub.Close)

	sent := models.ChangeEvent{
		Room:      "r1",
		Table:     "tasks",
		Operation: models.OpInsert,
		RowID:     "a",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	pub.PublishChange(sent)

	select {
	case msg := <-messages:
		msg.Ack()
		var got models.ChangeEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, sent.Room, got.Room)
		assert.Equal(t, sent.Table, got.Table)
		assert.Equal(t, sent.Operation, got.Operation)
		assert.Equal(t, sent.RowID, got.RowID)
		assert.Equal(t, "r1", msg.Metadata.Get("room"))
		assert.Equal(t, "insert", msg.Metadata.Get("operation"))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

// blockingPublisher simulates a wedged transport.
type blockingPublisher struct {
	mu   sync.Mutex
	fail bool
	sent int
}

func (p *blockingPublisher) Publish(_ string, _ ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("transport down")
	}
	p.sent++
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

func TestPublishChangeDropsOnFullQueue(t *testing.T) {
	backend := &blockingPublisher{}
	pub := NewChangePublisher(backend, 2)
	// Run loop not started: the queue only drains by hand.

	for i := 0; i < 5; i++ {
		pub.PublishChange(models.ChangeEvent{Room: "r1", Table: "tasks", RowID: "a"})
	}
	assert.Equal(t, 2, pub.QueueDepth(), "events beyond the bound are dropped, not queued")
}

func TestPublishChangeAfterCloseIsNoop(t *testing.T) {
	pub := NewChangePublisher(&blockingPublisher{}, 2)
	pub.Close()
	pub.PublishChange(models.ChangeEvent{Room: "r1"})
	assert.Equal(t, 0, pub.QueueDepth())
}

func TestDeliverSurvivesBackendFailures(t *testing.T) {
	backend := &blockingPublisher{fail: true}
	pub := NewChangePublisher(backend, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	for i := 0; i < 3; i++ {
		pub.PublishChange(models.ChangeEvent{Room: "r1", Table: "tasks", RowID: "a"})
	}

	// Transport recovers; later events flow again.
	time.Sleep(50 * time.Millisecond)
	backend.mu.Lock()
	backend.fail = false
	backend.mu.Unlock()
	pub.PublishChange(models.ChangeEvent{Room: "r1", Table: "tasks", RowID: "b"})

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.sent >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
