// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package models

import "time"

// TableDump is one table's full contents within a snapshot.
type TableDump struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// RoomSnapshot is a point-in-time full copy of a room's dataset. Snapshots
// are immutable once written.
type RoomSnapshot struct {
	RoomID    string               `json:"room_id"`
	CreatedAt time.Time            `json:"created_at"`
	Version   int64                `json:"version"`
	Tables    map[string]TableDump `json:"tables"`
}

// RowCount returns the total rows captured across all tables.
func (s *RoomSnapshot) RowCount() int {
	var n int
	for _, t := range s.Tables {
		n += len(t.Rows)
	}
	return n
}

// SnapshotInfo is the index entry for a stored snapshot.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	Tables    []string  `json:"tables"`
	Rows      int       `json:"rows"`
}
