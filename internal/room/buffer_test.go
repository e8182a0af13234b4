// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcarlson/roomsync/internal/models"
)

// recordingStore captures applied chunks and can be told to fail from a
// given chunk onward.
type recordingStore struct {
	mu        sync.Mutex
	chunks    [][]models.Mutation
	failAfter int // fail the nth ApplyMutations call (1-based); 0 = never
	calls     int
}

func (s *recordingStore) ApplyMutations(_ context.Context, _ string, mutations []models.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAfter > 0 && s.calls >= s.failAfter {
		return fmt.Errorf("injected store failure")
	}
	chunk := make([]models.Mutation, len(mutations))
	copy(chunk, mutations)
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingStore) applied() []models.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Mutation
	for _, chunk := range s.chunks {
		all = append(all, chunk...)
	}
	return all
}

func newTestBuffer(store Storer, ceiling int64, chunkLen int) (*WriteBuffer, *MemoryTracker) {
	tracker := NewMemoryTracker(ceiling)
	buf := NewWriteBuffer("r1", store, tracker, nil, chunkLen, 50*time.Millisecond, 0)
	return buf, tracker
}

func mut(table, rowID string, cols map[string]any) *models.Mutation {
	m := &models.Mutation{Op: models.OpInsert, Table: table, RowID: rowID, Row: cols}
	m.Size = m.EstimateSize()
	return m
}

func TestBufferCoalescesSameIdentity(t *testing.T) {
	store := &recordingStore{}
	buf, tracker := newTestBuffer(store, 1<<20, 100)

	require.NoError(t, buf.Stage(mut("tasks", "a", map[string]any{"title": "v1"})))
	require.NoError(t, buf.Stage(mut("tasks", "a", map[string]any{"title": "v2"})))
	require.NoError(t, buf.Stage(mut("tasks", "a", map[string]any{"title": "v3"})))
	assert.Equal(t, 1, buf.Len(), "one pending version per (table, row)")

	flushed, err := buf.Flush(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	assert.Equal(t, "v3", flushed[0].Row["title"], "last staged value wins")

	applied := store.applied()
	require.Len(t, applied, 1)
	assert.Equal(t, "v3", applied[0].Row["title"])
	assert.Equal(t, int64(0), tracker.CurrentSize(), "flush releases tracked bytes")
}

func TestBufferDeleteSupersedesInsert(t *testing.T) {
	store := &recordingStore{}
	buf, _ := newTestBuffer(store, 1<<20, 100)

	require.NoError(t, buf.Stage(mut("tasks", "a", map[string]any{"title": "v1"})))
	del := &models.Mutation{Op: models.OpDelete, Table: "tasks", RowID: "a"}
	require.NoError(t, buf.Stage(del))

	flushed, err := buf.Flush(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	assert.Equal(t, models.OpDelete, flushed[0].Op)
}

func TestBufferPreservesStagingOrder(t *testing.T) {
	store := &recordingStore{}
	buf, _ := newTestBuffer(store, 1<<20, 100)

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Stage(mut("tasks", fmt.Sprintf("row-%d", i), map[string]any{"n": int64(i)})))
	}
	flushed, err := buf.Flush(context.Background(), nil)
	require.NoError(t, err)
	for i, m := range flushed {
		assert.Equal(t, fmt.Sprintf("row-%d", i), m.RowID)
	}
}

func TestBufferChunkedFlushEmitsProgress(t *testing.T) {
	store := &recordingStore{}
	buf, _ := newTestBuffer(store, 8<<20, 100)

	for i := 0; i < 5000; i++ {
		require.NoError(t, buf.Stage(mut("tasks", fmt.Sprintf("row-%05d", i), map[string]any{"n": int64(i)})))
	}

	var events []FlushProgress
	flushed, err := buf.Flush(context.Background(), func(p FlushProgress) {
		events = append(events, p)
	})
	require.NoError(t, err)
	assert.Len(t, flushed, 5000)
	require.Len(t, events, 50, "5000 rows in chunks of 100 emit exactly 50 progress events")

	assert.Equal(t, 1, events[0].Chunk)
	assert.Equal(t, 100, events[0].Applied)
	assert.Equal(t, 50, events[49].Chunks)
	assert.Equal(t, 5000, events[49].Applied)
	assert.Equal(t, 5000, events[49].Total)
	assert.Len(t, store.applied(), 5000)
}

func TestBufferPartialFailureRetriesAsUnit(t *testing.T) {
	store := &recordingStore{failAfter: 3}
	buf, tracker := newTestBuffer(store, 1<<20, 10)

	for i := 0; i < 50; i++ {
		require.NoError(t, buf.Stage(mut("tasks", fmt.Sprintf("row-%02d", i), map[string]any{"n": int64(i)})))
	}

	flushed, err := buf.Flush(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, KindFlushFailure, KindOf(err))
	assert.Len(t, flushed, 20, "two chunks committed before the failure")
	assert.Len(t, store.applied(), 20, "committed chunks are not rolled back")
	assert.Equal(t, 30, buf.Len(), "failing chunk and everything after stays buffered")
	assert.Greater(t, tracker.CurrentSize(), int64(0))

	// Next flush retries the remainder as a unit, in the original order.
	store.failAfter = 0
	flushed, err = buf.Flush(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, flushed, 30)
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, int64(0), tracker.CurrentSize())

	applied := store.applied()
	require.Len(t, applied, 50)
	for i, m := range applied {
		assert.Equal(t, fmt.Sprintf("row-%02d", i), m.RowID, "retry preserves staging order")
	}
}

func TestBufferRejectsOversizedMutation(t *testing.T) {
	store := &recordingStore{}
	buf, _ := newTestBuffer(store, 128, 100)

	big := mut("tasks", "a", map[string]any{"blob": string(make([]byte, 1024))})
	err := buf.Stage(big)
	require.Error(t, err)
	assert.Equal(t, KindCapacityExceeded, KindOf(err))
}

func TestBufferDue(t *testing.T) {
	store := &recordingStore{}
	buf, _ := newTestBuffer(store, 1<<20, 100)

	now := time.Now()
	assert.False(t, buf.Due(now), "empty buffer is never due")

	m := mut("tasks", "a", map[string]any{"n": int64(1)})
	m.StagedAt = now
	require.NoError(t, buf.Stage(m))
	assert.False(t, buf.Due(now.Add(10*time.Millisecond)))
	assert.True(t, buf.Due(now.Add(60*time.Millisecond)))
}

func TestBufferCanAcceptCountsCoalescedReplacement(t *testing.T) {
	store := &recordingStore{}
	tracker := NewMemoryTracker(200)
	buf := NewWriteBuffer("r1", store, tracker, nil, 100, time.Second, 0)

	first := mut("tasks", "a", map[string]any{"title": "v1"})
	require.NoError(t, buf.Stage(first))

	// A replacement for the same identity only needs the size delta, not
	// its full size on top of the original.
	replacement := mut("tasks", "a", map[string]any{"title": "v2"})
	assert.True(t, buf.CanAccept(replacement))
}
