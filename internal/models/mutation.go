// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package models defines the shared data types that cross package
// boundaries: mutations, query results, change deltas, snapshots, and
// health reports.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// MutationOp identifies the kind of a pending write.
type MutationOp string

const (
	// OpInsert inserts a new row (or replaces an existing one by key).
	OpInsert MutationOp = "insert"
	// OpUpdate updates columns of an existing row by key.
	OpUpdate MutationOp = "update"
	// OpDelete removes a row by key.
	OpDelete MutationOp = "delete"
)

// Valid reports whether op is a known mutation operation.
func (op MutationOp) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Mutation is one queued write against a room's dataset. Rows are mappings
// from column name to scalar value (string, int64, float64, bool, nil).
type Mutation struct {
	Op    MutationOp     `json:"op"`
	Table string         `json:"table"`
	RowID string         `json:"row_id"`
	Row   map[string]any `json:"row,omitempty"`

	// Size is the estimated byte footprint while the mutation is pending.
	Size int64 `json:"size"`
	// StagedAt is when the mutation entered the write buffer.
	StagedAt time.Time `json:"staged_at"`
}

// EstimateSize computes an approximate byte footprint for memory
// accounting: key and column name lengths plus value encoding sizes, with a
// fixed per-row overhead. Estimates only; the tracker floors at zero to
// tolerate drift.
func (m *Mutation) EstimateSize() int64 {
	size := int64(64) // fixed row overhead
	size += int64(len(m.Table)) + int64(len(m.RowID))
	for col, val := range m.Row {
		size += int64(len(col))
		switch v := val.(type) {
		case string:
			size += int64(len(v))
		case []byte:
			size += int64(len(v))
		case nil:
			// no payload
		default:
			size += 8
		}
	}
	return size
}

// MarshalPayload serializes the mutation for the staged-write journal.
func (m *Mutation) MarshalPayload() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMutation deserializes a journaled mutation payload.
func UnmarshalMutation(data []byte) (*Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// QueryResult holds the rows produced by a guarded query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ChangeRow describes one committed row change inside a delta.
type ChangeRow struct {
	Op    MutationOp     `json:"op"`
	RowID string         `json:"row_id"`
	Row   map[string]any `json:"row,omitempty"`
}

// TableDelta is the incremental push sent to subscribers after a flush:
// only the changed rows, never a re-query of the whole table.
type TableDelta struct {
	Room    string      `json:"room"`
	Table   string      `json:"table"`
	Version int64       `json:"version"`
	Rows    []ChangeRow `json:"rows"`
}

// HealthReport summarizes one room actor for observability.
type HealthReport struct {
	Room             string         `json:"room"`
	State            string         `json:"state"`
	Version          int64          `json:"version"`
	PendingWrites    int            `json:"pending_writes"`
	BufferedBytes    int64          `json:"buffered_bytes"`
	MemoryCeiling    int64          `json:"memory_ceiling"`
	Subscribers      map[string]int `json:"subscribers"`
	TotalSubscribers int            `json:"total_subscribers"`
	RateLimitKeys    int            `json:"rate_limit_keys"`
	LastActive       time.Time      `json:"last_active"`
}
