// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/jmcarlson/roomsync/internal/models"
)

// ApplyMutations applies one chunk of mutations for a room atomically.
// The chunk either commits as a whole or leaves the store untouched, which
// is what lets the write buffer retry a failed chunk as a unit.
func (db *DB) ApplyMutations(ctx context.Context, roomID string, mutations []models.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	// DDL first, outside the transaction: DuckDB auto-commits schema
	// changes, and the tables must exist before the inserts prepare.
	for i := range mutations {
		m := &mutations[i]
		if m.Op == models.OpDelete {
			continue
		}
		if err := db.EnsureTable(ctx, m.Table, m.Row); err != nil {
			return err
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	for i := range mutations {
		m := &mutations[i]
		switch m.Op {
		case models.OpInsert, models.OpUpdate:
			if err := applyUpsert(ctx, tx, roomID, m); err != nil {
				return err
			}
		case models.OpDelete:
			if err := applyDelete(ctx, tx, roomID, m); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown mutation op %q", m.Op)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mutations: %w", err)
	}
	return nil
}

// txLike abstracts *sql.Tx for the statement helpers.
type txLike interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyUpsert(ctx context.Context, tx txLike, roomID string, m *models.Mutation) error {
	if !ValidIdentifier(m.Table) {
		return fmt.Errorf("invalid table identifier %q", m.Table)
	}

	// Deterministic column order so the statement text is cacheable.
	cols := make([]string, 0, len(m.Row))
	for col := range m.Row {
		if strings.EqualFold(col, "id") || reservedColumns[strings.ToLower(col)] {
			continue
		}
		if !ValidIdentifier(col) {
			return fmt.Errorf("invalid column identifier %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	colList := "room_id, id"
	placeholders := "?, ?"
	args := make([]any, 0, len(cols)+2)
	args = append(args, roomID, m.RowID)
	for _, col := range cols {
		colList += ", " + col
		placeholders += ", ?"
		args = append(args, m.Row[col])
	}

	var conflict string
	if len(cols) == 0 {
		conflict = "DO NOTHING"
	} else {
		updates := make([]string, len(cols))
		for i, col := range cols {
			updates[i] = col + " = EXCLUDED." + col
		}
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (room_id, id) %s`,
		m.Table, colList, placeholders, conflict)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", m.Table, m.RowID, err)
	}
	return nil
}

func applyDelete(ctx context.Context, tx txLike, roomID string, m *models.Mutation) error {
	if !ValidIdentifier(m.Table) {
		return fmt.Errorf("invalid table identifier %q", m.Table)
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE room_id = ? AND id = ?`, m.Table)
	if _, err := tx.ExecContext(ctx, stmt, roomID, m.RowID); err != nil {
		return fmt.Errorf("delete %s/%s: %w", m.Table, m.RowID, err)
	}
	return nil
}

// RoomRowCount returns the number of rows a room holds in one table.
func (db *DB) RoomRowCount(ctx context.Context, roomID, table string) (int64, error) {
	if !ValidIdentifier(table) {
		return 0, fmt.Errorf("invalid table identifier %q", table)
	}
	var count int64
	err := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE room_id = ?`, table), roomID).Scan(&count)
	return count, err
}

// DeleteRoomData removes every row a room holds across all scoped tables.
// Used by restore to replace the current dataset.
func (db *DB) DeleteRoomData(ctx context.Context, roomID string) error {
	scoped, err := db.ScopedTables(ctx)
	if err != nil {
		return err
	}
	for table := range scoped {
		if !ValidIdentifier(table) {
			continue
		}
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE room_id = ?`, table)
		if _, err := db.conn.ExecContext(ctx, stmt, roomID); err != nil {
			return fmt.Errorf("clear %s for room %s: %w", table, roomID, err)
		}
	}
	return nil
}
