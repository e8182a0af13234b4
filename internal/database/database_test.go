// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcarlson/roomsync/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"tasks", true},
		{"user_profiles", true},
		{"_private", true},
		{"Table9", true},
		{"", false},
		{"9lives", false},
		{"drop table", false},
		{"tasks;--", false},
		{"tasks'", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidIdentifier(tt.name), tt.name)
	}
}

func TestEnsureTableCreatesAndExtends(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureTable(ctx, "tasks", map[string]any{
		"title": "hello",
		"done":  int64(0),
	}))

	cols, err := db.TableColumns(ctx, "tasks")
	require.NoError(t, err)
	assert.Contains(t, cols, "room_id")
	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "title")
	assert.Contains(t, cols, "done")

	// Adding a new column later extends the schema.
	require.NoError(t, db.EnsureTable(ctx, "tasks", map[string]any{
		"priority": float64(1.5),
	}))
	cols, err = db.TableColumns(ctx, "tasks")
	require.NoError(t, err)
	assert.Contains(t, cols, "priority")
}

func TestEnsureTableRejectsBadIdentifiers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	assert.Error(t, db.EnsureTable(ctx, "bad table", nil))
	assert.Error(t, db.EnsureTable(ctx, "tasks", map[string]any{"bad col": 1}))
	assert.Error(t, db.EnsureTable(ctx, "tasks", map[string]any{"room_id": "x"}))
}

func TestApplyMutationsUpsertAndDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	muts := []models.Mutation{
		{Op: models.OpInsert, Table: "tasks", RowID: "t1", Row: map[string]any{"title": "first"}},
		{Op: models.OpInsert, Table: "tasks", RowID: "t2", Row: map[string]any{"title": "second"}},
	}
	require.NoError(t, db.ApplyMutations(ctx, "r1", muts))

	count, err := db.RoomRowCount(ctx, "r1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Update overwrites in place.
	require.NoError(t, db.ApplyMutations(ctx, "r1", []models.Mutation{
		{Op: models.OpUpdate, Table: "tasks", RowID: "t1", Row: map[string]any{"title": "updated"}},
	}))
	result, err := db.QueryRows(ctx, "SELECT title FROM tasks WHERE room_id = ? AND id = ?", "r1", "t1")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "updated", result.Rows[0][0])

	// Delete removes exactly one row.
	require.NoError(t, db.ApplyMutations(ctx, "r1", []models.Mutation{
		{Op: models.OpDelete, Table: "tasks", RowID: "t2"},
	}))
	count, err = db.RoomRowCount(ctx, "r1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestApplyMutationsIsolatesRooms(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.ApplyMutations(ctx, "r1", []models.Mutation{
		{Op: models.OpInsert, Table: "notes", RowID: "n1", Row: map[string]any{"body": "r1 note"}},
	}))
	require.NoError(t, db.ApplyMutations(ctx, "r2", []models.Mutation{
		{Op: models.OpInsert, Table: "notes", RowID: "n1", Row: map[string]any{"body": "r2 note"}},
	}))

	// Same row id in different rooms stays distinct.
	r1, err := db.RoomRowCount(ctx, "r1", "notes")
	require.NoError(t, err)
	r2, err := db.RoomRowCount(ctx, "r2", "notes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1)
	assert.Equal(t, int64(1), r2)

	require.NoError(t, db.DeleteRoomData(ctx, "r1"))
	r1, err = db.RoomRowCount(ctx, "r1", "notes")
	require.NoError(t, err)
	r2, err = db.RoomRowCount(ctx, "r2", "notes")
	require.NoError(t, err)
	assert.Equal(t, int64(0), r1)
	assert.Equal(t, int64(1), r2)
}

func TestScopedTables(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureTable(ctx, "tasks", nil))
	_, err := db.Conn().ExecContext(ctx, "CREATE TABLE unscoped (x BIGINT)")
	require.NoError(t, err)

	scoped, err := db.ScopedTables(ctx)
	require.NoError(t, err)
	assert.True(t, scoped["tasks"])
	assert.False(t, scoped["unscoped"])
}

func TestDumpAndLoadRoomRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.ApplyMutations(ctx, "r1", []models.Mutation{
		{Op: models.OpInsert, Table: "tasks", RowID: "a", Row: map[string]any{"title": "one", "rank": int64(1)}},
		{Op: models.OpInsert, Table: "tasks", RowID: "b", Row: map[string]any{"title": "two", "rank": int64(2)}},
		{Op: models.OpInsert, Table: "notes", RowID: "n", Row: map[string]any{"body": "note"}},
	}))

	snapshot, err := db.DumpRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", snapshot.RoomID)
	assert.Len(t, snapshot.Tables, 2)
	assert.Equal(t, 3, snapshot.RowCount())

	// Mutate after the dump, then restore: the post-dump change is gone.
	require.NoError(t, db.ApplyMutations(ctx, "r1", []models.Mutation{
		{Op: models.OpDelete, Table: "tasks", RowID: "a"},
		{Op: models.OpInsert, Table: "tasks", RowID: "c", Row: map[string]any{"title": "three"}},
	}))

	require.NoError(t, db.LoadRoom(ctx, "r1", snapshot))

	restored, err := db.DumpRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, snapshot.Tables["tasks"].Rows, restored.Tables["tasks"].Rows)
	assert.Equal(t, snapshot.Tables["notes"].Rows, restored.Tables["notes"].Rows)
}

func TestQueryRowsNormalizesBytes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	result, err := db.QueryRows(ctx, "SELECT 'hello' AS greeting, 42 AS answer")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, []string{"greeting", "answer"}, result.Columns)
	assert.Equal(t, "hello", result.Rows[0][0])
}
