// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package wal persists staged mutations to BadgerDB before they reach
// durable storage, so a crash between staging and flush loses nothing:
// the write buffer replays the journal on warm-up. Entries are raw JSON
// payloads keyed by room and sequence, and a room's entries are purged
// together once its buffer has fully flushed.
package wal

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/logging"
)

// keySeparator cannot appear in a room identifier (the registry rejects
// it), so prefix scans never cross rooms.
const keySeparator = 0x00

// BadgerJournal is the badger-backed staged-write journal. Safe for
// concurrent use by multiple room actors.
type BadgerJournal struct {
	db  *badger.DB
	seq atomic.Uint64

	mu     sync.Mutex
	closed bool

	totalAppends atomic.Int64
	totalPurges  atomic.Int64
}

// Open creates or reopens the journal at cfg.Path. The sequence counter
// resumes past the highest key already present.
func Open(cfg *config.JournalConfig) (*BadgerJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &BadgerJournal{db: db}
	if err := j.resumeSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("journal opened")
	return j, nil
}

// resumeSequence scans for the highest sequence so appends after restart
// keep increasing.
func (j *BadgerJournal) resumeSequence() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var highest uint64
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) >= 8 {
				if seq := binary.BigEndian.Uint64(key[len(key)-8:]); seq > highest {
					highest = seq
				}
			}
		}
		j.seq.Store(highest)
		return nil
	})
}

func entryKey(roomID string, seq uint64) []byte {
	key := make([]byte, 0, len(roomID)+9)
	key = append(key, roomID...)
	key = append(key, keySeparator)
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

func roomPrefix(roomID string) []byte {
	return append([]byte(roomID), keySeparator)
}

// Append persists one staged mutation payload for a room.
func (j *BadgerJournal) Append(roomID string, payload []byte) error {
	seq := j.seq.Add(1)
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(roomID, seq), payload)
	})
	if err != nil {
		return fmt.Errorf("journal append for room %s: %w", roomID, err)
	}
	j.totalAppends.Add(1)
	return nil
}

// Replay invokes fn with each journaled payload for a room, in append
// order. A fn error stops the replay and is returned.
func (j *BadgerJournal) Replay(roomID string, fn func(payload []byte) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(roomID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(payload []byte) error {
				return fn(payload)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge deletes every journaled entry for a room, called after its write
// buffer has fully flushed.
func (j *BadgerJournal) Purge(roomID string) error {
	prefix := roomPrefix(roomID)
	keys := make([][]byte, 0, 64)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal scan for purge: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("journal purge for room %s: %w", roomID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("journal purge flush for room %s: %w", roomID, err)
	}
	j.totalPurges.Add(1)
	return nil
}

// PendingCount reports how many entries a room still holds, for tests
// and health checks.
func (j *BadgerJournal) PendingCount(roomID string) (int, error) {
	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(roomID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// RunGC runs badger's value-log garbage collection until nothing is left
// to rewrite. Call it periodically from the supervision tree.
func (j *BadgerJournal) RunGC() {
	for {
		if err := j.db.RunValueLogGC(0.5); err != nil {
			// ErrNoRewrite means there was nothing worth collecting.
			return
		}
	}
}

// Close shuts the journal down.
func (j *BadgerJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	start := time.Now()
	err := j.db.Close()
	logging.Info().Dur("elapsed", time.Since(start)).Msg("journal closed")
	return err
}
