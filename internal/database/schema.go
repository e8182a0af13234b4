// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package database

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// identifierPattern is the only shape accepted for table and column names
// interpolated into SQL text. Values never take this path; they are always
// bound parameters.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to interpolate as a table or
// column identifier.
func ValidIdentifier(name string) bool {
	return name != "" && len(name) <= 128 && identifierPattern.MatchString(name)
}

// reservedColumns are managed by the store itself and cannot be set by
// client mutations.
var reservedColumns = map[string]bool{
	"room_id": true,
}

// columnTypeFor infers the DuckDB column type from the first value seen.
// The supported scalars are text, integer, real, boolean-as-integer, null.
func columnTypeFor(value any) string {
	switch value.(type) {
	case int, int32, int64, uint, uint32, uint64, bool:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

// EnsureTable creates the table if needed and adds any columns present in
// row that the table does not yet have. Every table carries (room_id, id)
// as its primary key, which is what makes it part of the scoped set.
func (db *DB) EnsureTable(ctx context.Context, table string, row map[string]any) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table identifier %q", table)
	}

	createStmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (room_id VARCHAR NOT NULL, id VARCHAR NOT NULL, PRIMARY KEY (room_id, id))`,
		table)
	if _, err := db.conn.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	if len(row) == 0 {
		return nil
	}

	existing, err := db.TableColumns(ctx, table)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, col := range existing {
		have[strings.ToLower(col)] = true
	}

	// Deterministic ALTER order keeps schemas identical across replays.
	missing := make([]string, 0, len(row))
	for col := range row {
		if !ValidIdentifier(col) {
			return fmt.Errorf("invalid column identifier %q", col)
		}
		if reservedColumns[strings.ToLower(col)] {
			return fmt.Errorf("column %q is reserved", col)
		}
		if !have[strings.ToLower(col)] && strings.ToLower(col) != "id" {
			missing = append(missing, col)
		}
	}
	sort.Strings(missing)

	for _, col := range missing {
		alterStmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
			table, col, columnTypeFor(row[col]))
		if _, err := db.conn.ExecContext(ctx, alterStmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col, err)
		}
	}
	return nil
}

// Tables returns the names of all user tables, sorted.
func (db *DB) Tables(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'main' ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableColumns returns the column names of a table in ordinal order.
func (db *DB) TableColumns(ctx context.Context, table string) ([]string, error) {
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table identifier %q", table)
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'main' AND table_name = ? ORDER BY ordinal_position`,
		table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// ScopedTables returns the tables that carry a room_id column. These are
// the tables the query guard must always scope; anything else passes
// through unmodified.
func (db *DB) ScopedTables(ctx context.Context) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT table_name FROM information_schema.columns
		 WHERE table_schema = 'main' AND lower(column_name) = 'room_id'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scoped := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		scoped[strings.ToLower(name)] = true
	}
	return scoped, rows.Err()
}
