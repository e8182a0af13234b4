// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package events

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/metrics"
	"github.com/jmcarlson/roomsync/internal/models"
)

// TopicRoomChanges is the topic every committed change is published on.
// Consumers filter by the room/table metadata.
const TopicRoomChanges = "room.changes"

// ChangePublisher queues change events and drains them to a Watermill
// backend. PublishChange never blocks an actor: the queue is bounded and
// events beyond the bound are dropped with a warning — downstream owns
// retry and DLQ semantics, not the core.
type ChangePublisher struct {
	backend message.Publisher
	breaker *gobreaker.CircuitBreaker[any]
	queue   chan models.ChangeEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChangePublisher wraps backend with a bounded queue and a circuit
// breaker that sheds publishes while the transport is down.
func NewChangePublisher(backend message.Publisher, queueSize int) *ChangePublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "change-publisher",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("publisher circuit breaker state changed")
		},
	})
	return &ChangePublisher{
		backend: backend,
		breaker: breaker,
		queue:   make(chan models.ChangeEvent, queueSize),
		closed:  make(chan struct{}),
	}
}

// PublishChange enqueues one event without blocking. Implements
// room.EventPublisher.
func (p *ChangePublisher) PublishChange(ev models.ChangeEvent) {
	select {
	case <-p.closed:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		metrics.EventsDropped.Inc()
		logging.Warn().
			Str("room", ev.Room).
			Str("table", ev.Table).
			Msg("outbound event queue full; event dropped")
	}
}

// Run drains the queue until ctx is canceled, publishing each event in
// arrival order. Run under the supervision tree.
func (p *ChangePublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			p.deliver(ev)
		}
	}
}

func (p *ChangePublisher) deliver(ev models.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error().Err(err).Str("room", ev.Room).Msg("encode change event")
		return
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.Metadata.Set("room", ev.Room)
	msg.Metadata.Set("table", ev.Table)
	msg.Metadata.Set("operation", string(ev.Operation))

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.backend.Publish(TopicRoomChanges, msg)
	})
	if err != nil {
		metrics.EventsDropped.Inc()
		logging.Warn().Err(err).
			Str("room", ev.Room).
			Str("table", ev.Table).
			Msg("change event publish failed")
		return
	}
	metrics.EventsPublished.Inc()
}

// QueueDepth reports how many events are waiting, for health endpoints.
func (p *ChangePublisher) QueueDepth() int {
	return len(p.queue)
}

// Close stops accepting events. The transport that owns the backend
// closes it separately.
func (p *ChangePublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}
