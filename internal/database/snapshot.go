// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmcarlson/roomsync/internal/models"
)

// DumpRoom captures a full point-in-time copy of a room's dataset across
// all scoped tables. The caller (the room actor) guarantees no concurrent
// writes for the same room, which is what makes the copy consistent.
func (db *DB) DumpRoom(ctx context.Context, roomID string) (*models.RoomSnapshot, error) {
	scoped, err := db.ScopedTables(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(scoped))
	for table := range scoped {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	snapshot := &models.RoomSnapshot{
		RoomID:    roomID,
		CreatedAt: time.Now().UTC(),
		Tables:    make(map[string]models.TableDump, len(tables)),
	}

	for _, table := range tables {
		if !ValidIdentifier(table) {
			continue
		}
		dump, err := db.dumpTable(ctx, roomID, table)
		if err != nil {
			return nil, fmt.Errorf("dump table %s: %w", table, err)
		}
		if len(dump.Rows) > 0 {
			snapshot.Tables[table] = *dump
		}
	}
	return snapshot, nil
}

func (db *DB) dumpTable(ctx context.Context, roomID, table string) (*models.TableDump, error) {
	columns, err := db.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	// room_id is implicit in the snapshot; captured rows are keyed by the
	// remaining columns with id first.
	dataCols := make([]string, 0, len(columns))
	for _, col := range columns {
		if strings.EqualFold(col, "room_id") {
			continue
		}
		dataCols = append(dataCols, col)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE room_id = ? ORDER BY id`,
		strings.Join(dataCols, ", "), table)
	result, err := db.QueryRows(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	return &models.TableDump{Columns: result.Columns, Rows: result.Rows}, nil
}

// LoadRoom replaces a room's current dataset with the snapshot's contents.
// Existing rows for the room are removed first; other rooms are untouched.
func (db *DB) LoadRoom(ctx context.Context, roomID string, snapshot *models.RoomSnapshot) error {
	if err := db.DeleteRoomData(ctx, roomID); err != nil {
		return err
	}

	tables := make([]string, 0, len(snapshot.Tables))
	for table := range snapshot.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		dump := snapshot.Tables[table]
		if err := db.loadTable(ctx, roomID, table, &dump); err != nil {
			return fmt.Errorf("load table %s: %w", table, err)
		}
	}
	return nil
}

func (db *DB) loadTable(ctx context.Context, roomID, table string, dump *models.TableDump) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table identifier %q", table)
	}

	idIdx := -1
	for i, col := range dump.Columns {
		if strings.EqualFold(col, "id") {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return fmt.Errorf("snapshot table %s has no id column", table)
	}

	// Recreate the schema from the snapshot using the first row with a
	// non-nil value per column for type inference.
	exemplar := make(map[string]any, len(dump.Columns))
	for i, col := range dump.Columns {
		if i == idIdx {
			continue
		}
		exemplar[col] = firstNonNil(dump.Rows, i)
	}
	if err := db.EnsureTable(ctx, table, exemplar); err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, row := range dump.Rows {
		m := models.Mutation{
			Op:    models.OpInsert,
			Table: table,
			RowID: fmt.Sprintf("%v", row[idIdx]),
			Row:   make(map[string]any, len(dump.Columns)-1),
		}
		for i, col := range dump.Columns {
			if i == idIdx {
				continue
			}
			m.Row[col] = row[i]
		}
		if err := applyUpsert(ctx, tx, roomID, &m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

func firstNonNil(rows [][]any, idx int) any {
	for _, row := range rows {
		if row[idx] != nil {
			return row[idx]
		}
	}
	return ""
}
