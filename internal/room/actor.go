// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/database"
	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/metrics"
	"github.com/jmcarlson/roomsync/internal/models"
)

// State is the actor's position in the Cold -> Warm -> Idle -> Cold
// lifecycle. Cold actors hold no memory; they exist only as durable rows.
type State string

const (
	StateWarm State = "warm"
	StateIdle State = "idle"
)

// EventPublisher receives committed-change events for downstream fan-out.
// Publish must not block the actor; implementations queue and drop on
// overflow.
type EventPublisher interface {
	PublishChange(ev models.ChangeEvent)
}

// BulkResult summarizes a bulk mutation after its final flush.
type BulkResult struct {
	Mutations int   `json:"mutations"`
	Applied   int   `json:"applied"`
	Version   int64 `json:"version"`
}

// Actor is the single authority for one room. All writes and flushes for
// the room are serialized through opMu, so mutation ordering is
// deterministic and no two flushes race; read queries bypass opMu and run
// concurrently against the scoped durable store.
type Actor struct {
	id        string
	cfg       *config.RoomConfig
	db        *database.DB
	guard     *Guard
	limiter   *SlidingWindow
	tracker   *MemoryTracker
	buffer    *WriteBuffer
	subs      *SubscriptionRegistry
	publisher EventPublisher

	// opMu serializes mutations, flushes, backup, and restore.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	version     int64
	lastActive  time.Time
	lastCleanup time.Time

	cleanupEvery time.Duration
}

// NewActor warms up one room: composes the limiter, tracker, buffer,
// guard, and subscription registry, and replays any journaled writes that
// did not reach durable storage before the last shutdown.
func NewActor(roomID string, db *database.DB, cfg *config.RoomConfig, rl *config.RateLimitConfig, journal Journal, publisher EventPublisher) (*Actor, error) {
	tracker := NewMemoryTracker(cfg.MemoryCeilingBytes)
	a := &Actor{
		id:           roomID,
		cfg:          cfg,
		db:           db,
		guard:        NewGuard(db, cfg.QueryTimeout),
		limiter:      NewSlidingWindow(rl.Requests, rl.Window),
		tracker:      tracker,
		buffer:       NewWriteBuffer(roomID, db, tracker, journal, cfg.FlushChunkSize, cfg.FlushInterval, cfg.FlushChunkRate),
		subs:         NewSubscriptionRegistry(roomID, cfg.MaxSubscribersPerTable),
		publisher:    publisher,
		state:        StateWarm,
		lastActive:   time.Now(),
		cleanupEvery: rl.CleanupInterval,
	}
	if err := a.buffer.Replay(); err != nil {
		return nil, fmt.Errorf("replay journal for room %s: %w", roomID, err)
	}
	if n := a.buffer.Len(); n > 0 {
		logging.Info().Str("room", roomID).Int("pending", n).Msg("journaled writes replayed")
	}
	return a, nil
}

// ID returns the room identifier this actor owns.
func (a *Actor) ID() string {
	return a.id
}

func (a *Actor) touch() {
	a.mu.Lock()
	a.lastActive = time.Now()
	a.state = StateWarm
	a.mu.Unlock()
}

func (a *Actor) admit(caller, operation string) error {
	if !a.limiter.Allow(caller + ":" + operation) {
		metrics.RateLimited.WithLabelValues(operation).Inc()
		return NewError(KindRateLimited, "caller %q exceeded the %s rate limit", caller, operation)
	}
	return nil
}

// Query runs one guarded read statement scoped to this room.
func (a *Actor) Query(ctx context.Context, caller, stmt string, params []any) (*models.QueryResult, error) {
	if err := a.admit(caller, "query"); err != nil {
		return nil, err
	}
	a.touch()
	return a.guard.Execute(ctx, a.id, stmt, params)
}

func validateMutation(m *models.Mutation) error {
	if !m.Op.Valid() {
		return NewError(KindValidation, "unknown mutation op %q", m.Op)
	}
	if !database.ValidIdentifier(m.Table) {
		return NewError(KindValidation, "invalid table identifier %q", m.Table)
	}
	if m.RowID == "" {
		return NewError(KindValidation, "mutation is missing a row id")
	}
	for col := range m.Row {
		if !database.ValidIdentifier(col) {
			return NewError(KindValidation, "invalid column identifier %q", col)
		}
		if strings.EqualFold(col, "room_id") {
			return NewError(KindValidation, "column room_id is reserved")
		}
	}
	return nil
}

// Mutate stages one write. If the memory ceiling would be exceeded, the
// buffer is flushed first; staging never overruns the ceiling.
func (a *Actor) Mutate(ctx context.Context, caller string, m *models.Mutation) error {
	if err := validateMutation(m); err != nil {
		return err
	}
	if err := a.admit(caller, "mutate"); err != nil {
		return err
	}
	a.touch()
	m.Size = m.EstimateSize()

	a.opMu.Lock()
	defer a.opMu.Unlock()
	if !a.buffer.CanAccept(m) {
		if err := a.flushLocked(ctx, nil); err != nil {
			return err
		}
	}
	return a.buffer.Stage(m)
}

// MutateBulk stages a batch and flushes it, reporting per-chunk progress
// through onProgress. The batch is not one atomic unit: committed chunks
// stay committed even when a later chunk fails.
func (a *Actor) MutateBulk(ctx context.Context, caller string, mutations []models.Mutation, onProgress func(FlushProgress)) (*BulkResult, error) {
	for i := range mutations {
		if err := validateMutation(&mutations[i]); err != nil {
			return nil, err
		}
	}
	if err := a.admit(caller, "mutate"); err != nil {
		return nil, err
	}
	a.touch()

	a.opMu.Lock()
	defer a.opMu.Unlock()

	applied := 0
	for i := range mutations {
		m := &mutations[i]
		m.Size = m.EstimateSize()
		if !a.buffer.CanAccept(m) {
			n, err := a.flushCountLocked(ctx, onProgress)
			applied += n
			if err != nil {
				return &BulkResult{Mutations: len(mutations), Applied: applied, Version: a.Version()}, err
			}
		}
		if err := a.buffer.Stage(m); err != nil {
			return &BulkResult{Mutations: len(mutations), Applied: applied, Version: a.Version()}, err
		}
	}

	n, err := a.flushCountLocked(ctx, onProgress)
	applied += n
	return &BulkResult{Mutations: len(mutations), Applied: applied, Version: a.Version()}, err
}

// Flush forces pending writes to durable storage.
func (a *Actor) Flush(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.flushLocked(ctx, nil)
}

func (a *Actor) flushLocked(ctx context.Context, onProgress func(FlushProgress)) error {
	_, err := a.flushCountLocked(ctx, onProgress)
	return err
}

// flushCountLocked flushes and propagates committed changes to
// subscribers and the event publisher. Caller holds opMu. Changes that
// committed before a mid-chunk failure are still propagated; only the
// unapplied remainder stays buffered.
func (a *Actor) flushCountLocked(ctx context.Context, onProgress func(FlushProgress)) (int, error) {
	flushed, err := a.buffer.Flush(ctx, onProgress)
	if len(flushed) > 0 {
		version := a.bumpVersion()
		a.propagate(version, flushed)
	}
	return len(flushed), err
}

func (a *Actor) bumpVersion() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version++
	return a.version
}

// Version returns the room's committed change version.
func (a *Actor) Version() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// propagate pushes deltas to subscribers and hands change events to the
// outbound publisher, preserving staging order within each table.
func (a *Actor) propagate(version int64, flushed []models.Mutation) {
	byTable := make(map[string][]models.ChangeRow)
	tableOrder := make([]string, 0, 4)
	now := time.Now().UTC()

	for i := range flushed {
		m := &flushed[i]
		if _, seen := byTable[m.Table]; !seen {
			tableOrder = append(tableOrder, m.Table)
		}
		byTable[m.Table] = append(byTable[m.Table], models.ChangeRow{
			Op:    m.Op,
			RowID: m.RowID,
			Row:   m.Row,
		})
		if a.publisher != nil {
			a.publisher.PublishChange(models.ChangeEvent{
				Room:      a.id,
				Table:     m.Table,
				Operation: m.Op,
				RowID:     m.RowID,
				Timestamp: now,
			})
		}
	}
	for _, table := range tableOrder {
		a.subs.Notify(table, version, byTable[table])
	}
}

// Subscribe registers a live connection for table deltas and sends the
// current table contents as an initial snapshot delta, so the client
// converges before the first incremental push.
func (a *Actor) Subscribe(ctx context.Context, sub Subscriber, table, filterExpr string) error {
	filter, err := ParseFilter(filterExpr)
	if err != nil {
		return err
	}
	if err := a.subs.Subscribe(sub, table, filter); err != nil {
		return err
	}
	a.touch()

	rows, err := a.initialSnapshot(ctx, table, filter)
	if err != nil {
		logging.Warn().Err(err).Str("room", a.id).Str("table", table).Msg("initial snapshot failed")
		return nil
	}
	sub.SendDelta(&models.TableDelta{Room: a.id, Table: table, Version: a.Version(), Rows: rows})
	return nil
}

func (a *Actor) initialSnapshot(ctx context.Context, table string, filter *Filter) ([]models.ChangeRow, error) {
	scoped, err := a.db.ScopedTables(ctx)
	if err != nil {
		return nil, err
	}
	if !scoped[strings.ToLower(table)] {
		// Table does not exist yet; the first delta arrives on first write.
		return []models.ChangeRow{}, nil
	}

	columns, err := a.db.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(columns))
	for _, col := range columns {
		if !strings.EqualFold(col, "room_id") {
			cols = append(cols, col)
		}
	}

	queryCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	result, err := a.db.QueryRows(queryCtx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE room_id = ? ORDER BY id`, strings.Join(cols, ", "), table),
		a.id)
	if err != nil {
		return nil, err
	}

	rows := make([]models.ChangeRow, 0, len(result.Rows))
	for _, values := range result.Rows {
		row := make(map[string]any, len(values))
		rowID := ""
		for i, col := range result.Columns {
			if strings.EqualFold(col, "id") {
				rowID = fmt.Sprintf("%v", values[i])
				continue
			}
			row[col] = values[i]
		}
		change := models.ChangeRow{Op: models.OpInsert, RowID: rowID, Row: row}
		if filter != nil && !filter.matchRow(change) {
			continue
		}
		rows = append(rows, change)
	}
	return rows, nil
}

// Unsubscribe drops one connection's interest in table.
func (a *Actor) Unsubscribe(connID, table string) {
	a.subs.Unsubscribe(connID, table)
}

// DropConnection drops every interest the connection held.
func (a *Actor) DropConnection(connID string) {
	a.subs.DropConnection(connID)
}

// Snapshot flushes pending writes, checkpoints the store, and captures a
// consistent point-in-time copy of the room's dataset. opMu blocks writes
// for the duration, which is what makes the copy consistent.
func (a *Actor) Snapshot(ctx context.Context) (*models.RoomSnapshot, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if err := a.flushLocked(ctx, nil); err != nil {
		return nil, err
	}
	if err := a.db.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Str("room", a.id).Msg("checkpoint before snapshot failed")
	}
	snapshot, err := a.db.DumpRoom(ctx, a.id)
	if err != nil {
		return nil, WrapError(KindFlushFailure, err, "dump room %s", a.id)
	}
	snapshot.Version = a.Version()
	a.touch()
	return snapshot, nil
}

// RestoreSnapshot replaces the room's dataset with a snapshot's contents.
// Pending writes are flushed first so the replacement is total. Subscribers
// receive the restored rows as insert deltas, and rows that existed before
// the restore but not in the snapshot arrive as deletes, so a live client
// converges without resubscribing.
func (a *Actor) RestoreSnapshot(ctx context.Context, snapshot *models.RoomSnapshot) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if err := a.flushLocked(ctx, nil); err != nil {
		return err
	}
	before, err := a.db.DumpRoom(ctx, a.id)
	if err != nil {
		return WrapError(KindFlushFailure, err, "dump room %s before restore", a.id)
	}
	if err := a.db.LoadRoom(ctx, a.id, snapshot); err != nil {
		return WrapError(KindFlushFailure, err, "load snapshot into room %s", a.id)
	}
	version := a.bumpVersion()
	a.touch()

	tables := make(map[string]bool, len(snapshot.Tables))
	for table := range snapshot.Tables {
		tables[table] = true
	}
	for table := range before.Tables {
		tables[table] = true
	}

	for table := range tables {
		dump := snapshot.Tables[table]
		restored := make(map[string]bool, len(dump.Rows))
		inserts := make([]models.ChangeRow, 0, len(dump.Rows))
		idIdx := -1
		for i, col := range dump.Columns {
			if strings.EqualFold(col, "id") {
				idIdx = i
				break
			}
		}
		for _, values := range dump.Rows {
			row := make(map[string]any, len(values))
			rowID := ""
			for i, col := range dump.Columns {
				if i == idIdx {
					rowID = fmt.Sprintf("%v", values[i])
					continue
				}
				row[col] = values[i]
			}
			restored[rowID] = true
			inserts = append(inserts, models.ChangeRow{Op: models.OpInsert, RowID: rowID, Row: row})
		}

		rows := make([]models.ChangeRow, 0, len(inserts))
		for _, id := range dumpRowIDs(before.Tables[table]) {
			if !restored[id] {
				rows = append(rows, models.ChangeRow{Op: models.OpDelete, RowID: id})
			}
		}
		rows = append(rows, inserts...)
		if len(rows) == 0 {
			continue
		}
		a.subs.Notify(table, version, rows)
	}

	logging.Info().
		Str("room", a.id).
		Int("tables", len(snapshot.Tables)).
		Int("rows", snapshot.RowCount()).
		Msg("room restored from snapshot")
	return nil
}

// dumpRowIDs extracts a table dump's id column values in row order.
func dumpRowIDs(dump models.TableDump) []string {
	idIdx := -1
	for i, col := range dump.Columns {
		if strings.EqualFold(col, "id") {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return nil
	}
	ids := make([]string, 0, len(dump.Rows))
	for _, values := range dump.Rows {
		ids = append(ids, fmt.Sprintf("%v", values[idIdx]))
	}
	return ids
}

// Health reports buffer occupancy, subscriber counts, and rate-limiter
// activity for external monitoring.
func (a *Actor) Health() models.HealthReport {
	a.mu.Lock()
	state := a.state
	version := a.version
	lastActive := a.lastActive
	a.mu.Unlock()

	return models.HealthReport{
		Room:             a.id,
		State:            string(state),
		Version:          version,
		PendingWrites:    a.buffer.Len(),
		BufferedBytes:    a.tracker.CurrentSize(),
		MemoryCeiling:    a.tracker.Ceiling(),
		Subscribers:      a.subs.Counts(),
		TotalSubscribers: a.subs.Total(),
		RateLimitKeys:    a.limiter.KeyCount(),
		LastActive:       lastActive,
	}
}

// Tick runs the actor's housekeeping: debounced flush, limiter cleanup,
// and the Warm -> Idle transition. The registry calls it periodically.
func (a *Actor) Tick(ctx context.Context, now time.Time) {
	if a.buffer.Due(now) {
		a.opMu.Lock()
		if err := a.flushLocked(ctx, nil); err != nil {
			logging.Warn().Err(err).Str("room", a.id).Msg("debounced flush failed; will retry")
		}
		a.opMu.Unlock()
	}

	a.mu.Lock()
	cleanup := now.Sub(a.lastCleanup) >= a.cleanupEvery
	if cleanup {
		a.lastCleanup = now
	}
	idle := a.state == StateWarm && now.Sub(a.lastActive) >= a.cfg.IdleAfter
	a.mu.Unlock()

	if cleanup {
		a.limiter.Cleanup()
	}
	if idle && a.subs.Total() == 0 {
		a.mu.Lock()
		a.state = StateIdle
		a.mu.Unlock()
	}
}

// Evictable reports whether the actor's in-memory state may be dropped:
// idle long enough, nothing buffered, nobody subscribed.
func (a *Actor) Evictable(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateIdle &&
		a.subs.Total() == 0 &&
		a.buffer.Len() == 0 &&
		now.Sub(a.lastActive) >= a.cfg.EvictAfter
}
