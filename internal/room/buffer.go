// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/metrics"
	"github.com/jmcarlson/roomsync/internal/models"
)

// Storer applies one chunk of mutations atomically. Satisfied by
// *database.DB.
type Storer interface {
	ApplyMutations(ctx context.Context, roomID string, mutations []models.Mutation) error
}

// Journal persists staged mutations before they reach durable storage, so
// an unflushed buffer survives a crash. Optional; a nil journal disables
// staging durability.
type Journal interface {
	Append(roomID string, payload []byte) error
	Replay(roomID string, fn func(payload []byte) error) error
	Purge(roomID string) error
}

// FlushProgress is emitted after each chunk of a flush so long bulk
// imports show visible progress.
type FlushProgress struct {
	Room    string `json:"room"`
	Chunk   int    `json:"chunk"`
	Chunks  int    `json:"chunks"`
	Applied int    `json:"applied"`
	Total   int    `json:"total"`
}

// WriteBuffer accumulates a room's pending mutations, coalescing repeated
// writes to the same (table, row) so at most one pending version exists
// per identity. Flushes apply chunks atomically in staging order; a chunk
// that fails stays buffered, together with everything after it, and
// retries as a unit on the next flush.
type WriteBuffer struct {
	mu       sync.Mutex
	room     string
	store    Storer
	tracker  *MemoryTracker
	journal  Journal
	chunkLen int
	interval time.Duration
	pace     *rate.Limiter

	pending map[string]*models.Mutation
	order   []string
	oldest  time.Time
}

// NewWriteBuffer creates a buffer for one room. chunkRate of 0 leaves
// flushes unpaced.
func NewWriteBuffer(roomID string, store Storer, tracker *MemoryTracker, journal Journal, chunkLen int, interval time.Duration, chunkRate int) *WriteBuffer {
	pace := rate.NewLimiter(rate.Inf, 1)
	if chunkRate > 0 {
		pace = rate.NewLimiter(rate.Limit(chunkRate), 1)
	}
	return &WriteBuffer{
		room:     roomID,
		store:    store,
		tracker:  tracker,
		journal:  journal,
		chunkLen: chunkLen,
		interval: interval,
		pace:     pace,
		pending:  make(map[string]*models.Mutation),
	}
}

func mutationKey(table, rowID string) string {
	return table + "\x00" + rowID
}

// CanAccept reports whether m fits under the memory ceiling without a
// flush. A mutation replacing a coalesced predecessor only needs the size
// difference.
func (b *WriteBuffer) CanAccept(m *models.Mutation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := m.Size
	if prev, ok := b.pending[mutationKey(m.Table, m.RowID)]; ok {
		size -= prev.Size
	}
	return size <= 0 || b.tracker.CanAdd(size)
}

// Stage queues one mutation. The caller has already checked CanAccept and
// flushed if needed; a mutation larger than the whole ceiling is rejected
// outright.
func (b *WriteBuffer) Stage(m *models.Mutation) error {
	if m.Size <= 0 {
		m.Size = m.EstimateSize()
	}
	if m.Size > b.tracker.Ceiling() {
		return NewError(KindCapacityExceeded, "mutation of %d bytes exceeds room ceiling of %d", m.Size, b.tracker.Ceiling())
	}
	if m.StagedAt.IsZero() {
		m.StagedAt = time.Now()
	}

	b.mu.Lock()
	key := mutationKey(m.Table, m.RowID)
	if prev, ok := b.pending[key]; ok {
		// Later write supersedes the earlier pending one, keeping its
		// position in staging order.
		b.tracker.Remove(prev.Size)
		*prev = *m
	} else {
		if len(b.pending) == 0 {
			b.oldest = m.StagedAt
		}
		b.pending[key] = m
		b.order = append(b.order, key)
	}
	b.tracker.Add(m.Size)
	metrics.BufferedBytes.WithLabelValues(b.room).Set(float64(b.tracker.CurrentSize()))
	b.mu.Unlock()

	if b.journal != nil {
		payload, err := m.MarshalPayload()
		if err == nil {
			err = b.journal.Append(b.room, payload)
		}
		if err != nil {
			logging.Warn().Err(err).Str("room", b.room).Msg("journal append failed")
		}
	}
	return nil
}

// Len reports the number of pending mutations.
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Due reports whether the debounce interval has elapsed since the oldest
// pending mutation was staged.
func (b *WriteBuffer) Due(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 && now.Sub(b.oldest) >= b.interval
}

// Flush applies all pending mutations in staging order, chunked to bound
// single-call latency, invoking onProgress after each chunk. On a chunk
// failure, already-applied chunks stay committed; the failing chunk and
// everything after it return to the buffer for the next attempt. Returns
// the mutations that committed.
func (b *WriteBuffer) Flush(ctx context.Context, onProgress func(FlushProgress)) ([]models.Mutation, error) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil, nil
	}

	batch := make([]models.Mutation, 0, len(b.order))
	for _, key := range b.order {
		batch = append(batch, *b.pending[key])
	}
	b.pending = make(map[string]*models.Mutation)
	b.order = b.order[:0]
	b.mu.Unlock()

	start := time.Now()
	total := len(batch)
	chunks := (total + b.chunkLen - 1) / b.chunkLen
	applied := 0

	for chunk := 0; applied < total; chunk++ {
		if err := b.pace.Wait(ctx); err != nil {
			b.restage(batch[applied:])
			metrics.ObserveFlush(start, applied, err)
			return batch[:applied], WrapError(KindFlushFailure, err, "flush canceled after %d of %d mutations", applied, total)
		}

		end := applied + b.chunkLen
		if end > total {
			end = total
		}
		if err := b.store.ApplyMutations(ctx, b.room, batch[applied:end]); err != nil {
			b.restage(batch[applied:])
			metrics.ObserveFlush(start, applied, err)
			logging.Error().Err(err).
				Str("room", b.room).
				Int("applied", applied).
				Int("total", total).
				Msg("flush failed mid-chunk")
			return batch[:applied], WrapError(KindFlushFailure, err, "flush failed after %d of %d mutations", applied, total)
		}

		flushed := batch[applied:end]
		applied = end
		for i := range flushed {
			b.tracker.Remove(flushed[i].Size)
		}
		if onProgress != nil {
			onProgress(FlushProgress{
				Room:    b.room,
				Chunk:   chunk + 1,
				Chunks:  chunks,
				Applied: applied,
				Total:   total,
			})
		}
	}

	b.mu.Lock()
	empty := len(b.pending) == 0
	metrics.BufferedBytes.WithLabelValues(b.room).Set(float64(b.tracker.CurrentSize()))
	b.mu.Unlock()

	if empty && b.journal != nil {
		if err := b.journal.Purge(b.room); err != nil {
			logging.Warn().Err(err).Str("room", b.room).Msg("journal purge failed")
		}
	}

	metrics.ObserveFlush(start, total, nil)
	return batch, nil
}

// restage returns unapplied mutations to the buffer at the front of the
// staging order, so the retry keeps the original ordering ahead of writes
// staged since the flush began.
func (b *WriteBuffer) restage(unapplied []models.Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(unapplied))
	for i := range unapplied {
		m := unapplied[i]
		key := mutationKey(m.Table, m.RowID)
		if _, ok := b.pending[key]; ok {
			// A write staged during the flush already supersedes this
			// one; release the stale copy's bytes.
			b.tracker.Remove(m.Size)
			continue
		}
		// The tracker still holds this mutation's bytes: Flush only
		// releases sizes for chunks that committed.
		b.pending[key] = &m
		keys = append(keys, key)
	}
	b.order = append(keys, b.order...)
	if len(b.order) > 0 {
		b.oldest = b.pending[b.order[0]].StagedAt
	}
	metrics.BufferedBytes.WithLabelValues(b.room).Set(float64(b.tracker.CurrentSize()))
}

// Replay reloads journaled mutations into the buffer on warm-up.
func (b *WriteBuffer) Replay() error {
	if b.journal == nil {
		return nil
	}
	return b.journal.Replay(b.room, func(payload []byte) error {
		m, err := models.UnmarshalMutation(payload)
		if err != nil {
			return err
		}
		b.mu.Lock()
		key := mutationKey(m.Table, m.RowID)
		if prev, ok := b.pending[key]; ok {
			b.tracker.Remove(prev.Size)
			*prev = *m
		} else {
			if len(b.pending) == 0 {
				b.oldest = m.StagedAt
			}
			b.pending[key] = m
			b.order = append(b.order, key)
		}
		b.tracker.Add(m.Size)
		b.mu.Unlock()
		return nil
	})
}
