// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package wal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcarlson/roomsync/internal/config"
)

func newTestJournal(t *testing.T) *BadgerJournal {
	t.Helper()
	j, err := Open(&config.JournalConfig{Path: t.TempDir(), SyncWrites: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalAppendReplayOrder(t *testing.T) {
	j := newTestJournal(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append("r1", []byte(fmt.Sprintf("payload-%d", i))))
	}

	var replayed []string
	require.NoError(t, j.Replay("r1", func(payload []byte) error {
		replayed = append(replayed, string(payload))
		return nil
	}))
	require.Len(t, replayed, 10)
	for i, p := range replayed {
		assert.Equal(t, fmt.Sprintf("payload-%d", i), p, "replay preserves append order")
	}
}

func TestJournalRoomsAreIsolated(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Append("r1", []byte("one")))
	require.NoError(t, j.Append("r2", []byte("two")))

	count, err := j.PendingCount("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, j.Purge("r1"))
	count, err = j.PendingCount("r1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = j.PendingCount("r2")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "purging one room leaves others untouched")
}

func TestJournalPurgeEmptyRoom(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Purge("ghost"))
}

func TestJournalSequenceResumesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.JournalConfig{Path: dir, SyncWrites: false}

	j, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, j.Append("r1", []byte("before")))
	require.NoError(t, j.Close())

	j, err = Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	require.NoError(t, j.Append("r1", []byte("after")))

	var replayed []string
	require.NoError(t, j.Replay("r1", func(payload []byte) error {
		replayed = append(replayed, string(payload))
		return nil
	}))
	assert.Equal(t, []string{"before", "after"}, replayed)
}

func TestJournalDoubleCloseIsSafe(t *testing.T) {
	j, err := Open(&config.JournalConfig{Path: t.TempDir(), SyncWrites: false})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
}
