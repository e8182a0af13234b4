// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package events

import (
	"context"
	"fmt"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/logging"
)

// Transport bundles a publisher backend with an optional in-process
// subscriber (memory mode only) and whatever needs closing on shutdown.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	nc       *natsgo.Conn
	embedded *EmbeddedServer
}

// NewTransport builds the change-event transport selected by cfg.Mode.
func NewTransport(cfg *config.EventsConfig) (*Transport, error) {
	switch cfg.Mode {
	case "nats":
		return newNATSTransport(cfg)
	default:
		return newMemoryTransport(cfg), nil
	}
}

// newMemoryTransport is the in-process GoChannel pubsub: publisher and
// subscriber share one instance.
func newMemoryTransport(cfg *config.EventsConfig) *Transport {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.QueueSize),
	}, NewWatermillLogger())
	return &Transport{Publisher: ch, Subscriber: ch}
}

func newNATSTransport(cfg *config.EventsConfig) (*Transport, error) {
	t := &Transport{}

	url := cfg.URL
	if cfg.EmbeddedServer {
		embedded, err := NewEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		t.embedded = embedded
		url = embedded.ClientURL()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := natsgo.Connect(url, natsOpts...)
	if err != nil {
		t.closePartial()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	t.nc = nc

	if err := ensureStream(nc, cfg.StreamName); err != nil {
		t.closePartial()
		return nil, err
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false, // stream is provisioned above
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, NewWatermillLogger())
	if err != nil {
		t.closePartial()
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	t.Publisher = pub
	return t, nil
}

// ensureStream provisions the JetStream stream that retains change
// events for downstream consumers.
func ensureStream(nc *natsgo.Conn, name string) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{TopicRoomChanges},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

func (t *Transport) closePartial() {
	if t.nc != nil {
		t.nc.Close()
	}
	if t.embedded != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.embedded.Shutdown(ctx)
	}
}

// Close shuts down the transport: publisher first, then the connection,
// then the embedded server if one was started.
func (t *Transport) Close() error {
	var firstErr error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	t.closePartial()
	return firstErr
}
