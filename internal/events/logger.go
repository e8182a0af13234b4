// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package events fans committed-change events out to downstream
// consumers over Watermill: an in-process GoChannel transport for
// single-binary deployments, or NATS JetStream (external or embedded)
// when consumers live elsewhere. The actor enqueues and forgets; the
// queue is bounded and drops on overflow.
package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/jmcarlson/roomsync/internal/logging"
)

// watermillLogger adapts Watermill's logging onto zerolog.
type watermillLogger struct {
	fields watermill.LogFields
}

// NewWatermillLogger returns a watermill.LoggerAdapter backed by the
// application logger.
func NewWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) emit(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.emit(logging.Error().Err(err), msg, fields)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.emit(logging.Info(), msg, fields)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.emit(logging.Debug(), msg, fields)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.emit(logging.Trace(), msg, fields)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &watermillLogger{fields: merged}
}
