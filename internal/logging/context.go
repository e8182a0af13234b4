// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	roomIDKey    contextKey = "room_id"
)

// GenerateRequestID creates a new unique request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextWithRequestID returns a new context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRoomID returns a new context carrying the room identifier.
// Handlers set this once after resolving the room so every log line below
// them carries the room id.
func ContextWithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

// RoomIDFromContext retrieves the room identifier from context.
func RoomIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(roomIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns a logger with context values (request_id, room_id) attached.
// This is the recommended way to log inside handlers and actor operations.
//
//	logging.Ctx(ctx).Info().Msg("flush complete")
func Ctx(ctx context.Context) *zerolog.Logger {
	logger := Logger()

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		logger = logger.With().Str("request_id", requestID).Logger()
	}
	if roomID := RoomIDFromContext(ctx); roomID != "" {
		logger = logger.With().Str("room_id", roomID).Logger()
	}

	return &logger
}

// WithComponent creates a child logger with a component field.
//
//	bufLogger := logging.WithComponent("write-buffer")
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
