// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/models"
	"github.com/jmcarlson/roomsync/internal/room"
)

func newTestManager(t *testing.T, keepLast int) *Manager {
	t.Helper()
	m, err := NewManager(&config.BackupConfig{Dir: t.TempDir(), KeepLast: keepLast})
	require.NoError(t, err)
	return m
}

func testSnapshot(roomID string, createdAt time.Time) *models.RoomSnapshot {
	return &models.RoomSnapshot{
		RoomID:    roomID,
		CreatedAt: createdAt,
		Version:   3,
		Tables: map[string]models.TableDump{
			"tasks": {
				Columns: []string{"id", "title"},
				Rows:    [][]any{{"a", "one"}, {"b", "two"}},
			},
		},
	}
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	m := newTestManager(t, 0)

	snapshot := testSnapshot("r1", time.Now().UTC())
	info, err := m.Create(snapshot)
	require.NoError(t, err)
	assert.Equal(t, "r1", info.RoomID)
	assert.Equal(t, 2, info.Rows)
	assert.Equal(t, []string{"tasks"}, info.Tables)
	assert.NotEmpty(t, info.SHA256)
	assert.Greater(t, info.SizeBytes, int64(0))

	loaded, err := m.Load(info.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.RoomID, loaded.RoomID)
	assert.Equal(t, snapshot.Version, loaded.Version)
	assert.Equal(t, snapshot.Tables["tasks"].Rows, loaded.Tables["tasks"].Rows)
}

func TestLoadUnknownSnapshot(t *testing.T) {
	m := newTestManager(t, 0)

	_, err := m.Load("r1-nope")
	require.Error(t, err)
	assert.Equal(t, room.KindSnapshotNotFound, room.KindOf(err))
}

func TestLoadDetectsCorruption(t *testing.T) {
	m := newTestManager(t, 0)
	info, err := m.Create(testSnapshot("r1", time.Now().UTC()))
	require.NoError(t, err)

	// Flip bytes in the stored file; the checksum must catch it.
	path := m.snapshotPath(info.ID)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	_, err = m.Load(info.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestListNewestFirstPerRoom(t *testing.T) {
	m := newTestManager(t, 0)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := m.Create(testSnapshot("r1", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := m.Create(testSnapshot("r2", base))
	require.NoError(t, err)

	list := m.List("r1")
	require.Len(t, list, 3)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
	assert.True(t, list[1].CreatedAt.After(list[2].CreatedAt))

	assert.Len(t, m.List(""), 4)
}

func TestRetentionKeepsLastN(t *testing.T) {
	m := newTestManager(t, 2)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		info, err := m.Create(testSnapshot("r1", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		ids = append(ids, info.ID)
	}

	list := m.List("r1")
	require.Len(t, list, 2, "only the newest KeepLast snapshots survive")
	assert.Equal(t, ids[4], list[0].ID)
	assert.Equal(t, ids[3], list[1].ID)

	// Pruned files are gone from disk too.
	_, err := os.Stat(m.snapshotPath(ids[0]))
	assert.True(t, os.IsNotExist(err))

	// Retention is per room: another room's snapshots are untouched.
	_, err = m.Create(testSnapshot("r2", base))
	require.NoError(t, err)
	assert.Len(t, m.List("r1"), 2)
	assert.Len(t, m.List("r2"), 1)
}

func TestDeleteSnapshot(t *testing.T) {
	m := newTestManager(t, 0)
	info, err := m.Create(testSnapshot("r1", time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, m.Delete(info.ID))
	assert.Empty(t, m.List("r1"))
	_, err = os.Stat(m.snapshotPath(info.ID))
	assert.True(t, os.IsNotExist(err))

	err = m.Delete(info.ID)
	require.Error(t, err)
	assert.Equal(t, room.KindSnapshotNotFound, room.KindOf(err))
}

func TestMetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.BackupConfig{Dir: dir, KeepLast: 0}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	info, err := m.Create(testSnapshot("r1", time.Now().UTC()))
	require.NoError(t, err)

	reopened, err := NewManager(cfg)
	require.NoError(t, err)
	list := reopened.List("r1")
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	_, err = os.Stat(filepath.Join(dir, metadataFileName))
	require.NoError(t, err)
}
