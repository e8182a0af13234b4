// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryTrackerCeiling(t *testing.T) {
	tr := NewMemoryTracker(100)

	assert.True(t, tr.CanAdd(100))
	assert.False(t, tr.CanAdd(101), "CanAdd must never admit past the ceiling")

	tr.Add(60)
	assert.True(t, tr.CanAdd(40))
	assert.False(t, tr.CanAdd(41))
	assert.False(t, tr.IsFull())

	tr.Add(40)
	assert.True(t, tr.IsFull())
	assert.False(t, tr.CanAdd(1))
}

func TestMemoryTrackerAccountingInvariant(t *testing.T) {
	tr := NewMemoryTracker(100)

	for _, n := range []int64{10, 25, 5, 40} {
		tr.Add(n)
		assert.Equal(t, int64(100), tr.CurrentSize()+tr.Remaining(),
			"current + remaining always sums to the ceiling")
	}
	tr.Remove(30)
	assert.Equal(t, int64(100), tr.CurrentSize()+tr.Remaining())
}

func TestMemoryTrackerRemoveFloorsAtZero(t *testing.T) {
	tr := NewMemoryTracker(100)

	tr.Add(10)
	tr.Remove(50) // estimates drift; never go negative
	assert.Equal(t, int64(0), tr.CurrentSize())
	assert.Equal(t, int64(100), tr.Remaining())
}
