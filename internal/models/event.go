// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package models

import "time"

// ChangeEvent is the record handed to downstream consumers (webhook and
// embedding workers) after a mutation commits. Delivery is fire-and-forget
// from the actor's point of view; retries belong to the consumer side.
type ChangeEvent struct {
	Room      string     `json:"room"`
	Table     string     `json:"table"`
	Operation MutationOp `json:"operation"`
	RowID     string     `json:"row_id"`
	Timestamp time.Time  `json:"timestamp"`
}
