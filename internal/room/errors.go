// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package room implements the per-room coordination actor and its parts:
// sliding-window rate limiting, memory-bounded write buffering, the query
// guard, the subscription registry, and the keyed actor registry with idle
// eviction.
package room

import (
	"errors"
	"fmt"
)

// Kind classifies actor errors so the front door can map them to stable
// status codes and clients know whether a retry makes sense.
type Kind string

const (
	// KindValidation covers malformed input, disallowed SQL, and invalid
	// identifiers. Never retried.
	KindValidation Kind = "validation_error"
	// KindRateLimited means the caller exceeded the sliding window and
	// must back off.
	KindRateLimited Kind = "rate_limited"
	// KindTimeout means a query exceeded its budget. No partial write
	// occurred, so an idempotent retry is safe.
	KindTimeout Kind = "timeout"
	// KindCapacityExceeded means the memory ceiling or a subscriber cap
	// was hit. The caller sheds load or waits.
	KindCapacityExceeded Kind = "capacity_exceeded"
	// KindFlushFailure means a durable write failed mid-chunk. Committed
	// chunks stay committed; the rest retries on the next flush cycle.
	KindFlushFailure Kind = "flush_failure"
	// KindSnapshotNotFound means a restore referenced an unknown backup.
	KindSnapshotNotFound Kind = "snapshot_not_found"
)

// Error is the typed error every actor operation returns on failure. The
// kind is stable; Detail is human-readable and may change.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed actor error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a typed actor error.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; empty if the chain holds
// no actor error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
