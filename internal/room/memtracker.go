// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import "sync"

// MemoryTracker bounds how much unflushed write data a room may hold.
// Sizes are estimates, so Remove floors at zero rather than trusting the
// arithmetic to balance exactly.
type MemoryTracker struct {
	mu      sync.Mutex
	ceiling int64
	current int64
}

// NewMemoryTracker creates a tracker with a fixed ceiling in bytes.
func NewMemoryTracker(ceiling int64) *MemoryTracker {
	return &MemoryTracker{ceiling: ceiling}
}

// CanAdd reports whether n more bytes fit under the ceiling. Pure check;
// the write buffer uses it to decide whether to force a flush first.
func (t *MemoryTracker) CanAdd(n int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current+n <= t.ceiling
}

// Add records n bytes of newly staged write data.
func (t *MemoryTracker) Add(n int64) {
	t.mu.Lock()
	t.current += n
	t.mu.Unlock()
}

// Remove releases n bytes after a flush or coalesce.
func (t *MemoryTracker) Remove(n int64) {
	t.mu.Lock()
	t.current -= n
	if t.current < 0 {
		t.current = 0
	}
	t.mu.Unlock()
}

// IsFull reports whether the ceiling has been reached.
func (t *MemoryTracker) IsFull() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current >= t.ceiling
}

// CurrentSize returns the tracked byte total.
func (t *MemoryTracker) CurrentSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Remaining returns ceiling minus current; CurrentSize + Remaining always
// sums to the ceiling.
func (t *MemoryTracker) Remaining() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ceiling - t.current
}

// Ceiling returns the configured maximum.
func (t *MemoryTracker) Ceiling() int64 {
	return t.ceiling
}
