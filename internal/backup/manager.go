// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package backup stores room snapshots as gzip-compressed JSON files with
// SHA-256 checksums, tracks them in a metadata index, applies a
// keep-last-N retention policy per room, and optionally snapshots active
// rooms on a schedule.
package backup

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/metrics"
	"github.com/jmcarlson/roomsync/internal/models"
	"github.com/jmcarlson/roomsync/internal/room"
)

const metadataFileName = "metadata.json"

// metadataStore is the on-disk index of every retained snapshot.
type metadataStore struct {
	Snapshots []*models.SnapshotInfo `json:"snapshots"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Manager owns the snapshot directory. All metadata operations are
// guarded by a RWMutex; snapshot ids double as file names, so they stay
// strictly within the identifier alphabet.
type Manager struct {
	cfg          *config.BackupConfig
	metadataFile string

	mu       sync.RWMutex
	metadata *metadataStore
}

// NewManager opens (or initializes) the snapshot directory and loads the
// metadata index.
func NewManager(cfg *config.BackupConfig) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	m := &Manager{
		cfg:          cfg,
		metadataFile: filepath.Join(cfg.Dir, metadataFileName),
	}
	if err := m.loadMetadata(); err != nil {
		m.metadata = &metadataStore{Snapshots: make([]*models.SnapshotInfo, 0)}
	}
	return m, nil
}

// snapshotID derives an identifier from room and creation time. It is
// unique per room at millisecond granularity, which creation serializes.
func snapshotID(roomID string, createdAt time.Time) string {
	return roomID + "-" + createdAt.UTC().Format("20060102T150405.000Z0700")
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.cfg.Dir, id+".json.gz")
}

// Create persists a snapshot, records it in the index, and prunes the
// room's snapshots past the retention limit. Snapshots are immutable
// once written.
func (m *Manager) Create(snapshot *models.RoomSnapshot) (*models.SnapshotInfo, error) {
	start := time.Now()
	info, err := m.create(snapshot)
	metrics.BackupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackupOperations.WithLabelValues("backup", "error").Inc()
		return nil, err
	}
	metrics.BackupOperations.WithLabelValues("backup", "ok").Inc()
	return info, nil
}

func (m *Manager) create(snapshot *models.RoomSnapshot) (*models.SnapshotInfo, error) {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	id := snapshotID(snapshot.RoomID, snapshot.CreatedAt)
	path := m.snapshotPath(id)

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	// Write to a temp file and rename, so a crash never leaves a
	// half-written snapshot under a valid id.
	tmp, err := os.CreateTemp(m.cfg.Dir, "."+id+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(payload); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot file: %w", err)
	}

	checksum, size, err := fileChecksum(tmpName)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}

	tables := make([]string, 0, len(snapshot.Tables))
	for table := range snapshot.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	info := &models.SnapshotInfo{
		ID:        id,
		RoomID:    snapshot.RoomID,
		CreatedAt: snapshot.CreatedAt,
		SizeBytes: size,
		SHA256:    checksum,
		Tables:    tables,
		Rows:      snapshot.RowCount(),
	}

	m.mu.Lock()
	m.metadata.Snapshots = append(m.metadata.Snapshots, info)
	pruned := m.applyRetentionLocked(snapshot.RoomID)
	m.saveMetadataLocked()
	m.mu.Unlock()

	for _, stale := range pruned {
		if err := os.Remove(m.snapshotPath(stale.ID)); err != nil && !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("snapshot", stale.ID).Msg("prune failed")
		}
	}

	logging.Info().
		Str("room", snapshot.RoomID).
		Str("snapshot", id).
		Int64("bytes", size).
		Int("rows", info.Rows).
		Msg("snapshot created")
	return info, nil
}

func fileChecksum(path string) (string, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read snapshot for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

// List returns the retained snapshots for a room, newest first. An empty
// roomID lists everything.
func (m *Manager) List(roomID string) []*models.SnapshotInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.SnapshotInfo, 0, len(m.metadata.Snapshots))
	for _, info := range m.metadata.Snapshots {
		if roomID == "" || info.RoomID == roomID {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Info returns one snapshot's index entry.
func (m *Manager) Info(id string) (*models.SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, info := range m.metadata.Snapshots {
		if info.ID == id {
			return info, nil
		}
	}
	return nil, room.NewError(room.KindSnapshotNotFound, "snapshot %q is unknown", id)
}

// Load reads a snapshot back, verifying its checksum first. A checksum
// mismatch is corruption and is surfaced, never repaired.
func (m *Manager) Load(id string) (*models.RoomSnapshot, error) {
	info, err := m.Info(id)
	if err != nil {
		return nil, err
	}

	path := m.snapshotPath(id)
	checksum, _, err := fileChecksum(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, room.NewError(room.KindSnapshotNotFound, "snapshot file for %q is missing", id)
		}
		return nil, err
	}
	if checksum != info.SHA256 {
		return nil, fmt.Errorf("snapshot %s is corrupt: checksum mismatch", id)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	defer gz.Close()

	var snapshot models.RoomSnapshot
	if err := json.NewDecoder(gz).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Delete removes a snapshot and its index entry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	found := false
	kept := m.metadata.Snapshots[:0]
	for _, info := range m.metadata.Snapshots {
		if info.ID == id {
			found = true
			continue
		}
		kept = append(kept, info)
	}
	m.metadata.Snapshots = kept
	if found {
		m.saveMetadataLocked()
	}
	m.mu.Unlock()

	if !found {
		metrics.BackupOperations.WithLabelValues("delete", "error").Inc()
		return room.NewError(room.KindSnapshotNotFound, "snapshot %q is unknown", id)
	}
	if err := os.Remove(m.snapshotPath(id)); err != nil && !os.IsNotExist(err) {
		metrics.BackupOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("remove snapshot file: %w", err)
	}
	metrics.BackupOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

// applyRetentionLocked returns the entries pruned past KeepLast for one
// room, removing them from the index. Caller holds the lock and deletes
// the files.
func (m *Manager) applyRetentionLocked(roomID string) []*models.SnapshotInfo {
	if m.cfg.KeepLast <= 0 {
		return nil
	}

	var forRoom []*models.SnapshotInfo
	for _, info := range m.metadata.Snapshots {
		if info.RoomID == roomID {
			forRoom = append(forRoom, info)
		}
	}
	if len(forRoom) <= m.cfg.KeepLast {
		return nil
	}

	sort.Slice(forRoom, func(i, j int) bool {
		return forRoom[i].CreatedAt.After(forRoom[j].CreatedAt)
	})
	pruned := forRoom[m.cfg.KeepLast:]

	stale := make(map[string]bool, len(pruned))
	for _, info := range pruned {
		stale[info.ID] = true
	}
	kept := m.metadata.Snapshots[:0]
	for _, info := range m.metadata.Snapshots {
		if !stale[info.ID] {
			kept = append(kept, info)
		}
	}
	m.metadata.Snapshots = kept
	return pruned
}

func (m *Manager) loadMetadata() error {
	data, err := os.ReadFile(m.metadataFile)
	if err != nil {
		return err
	}
	var store metadataStore
	if err := json.Unmarshal(data, &store); err != nil {
		return err
	}
	m.metadata = &store
	return nil
}

// saveMetadataLocked persists the index. Best effort: the snapshot file
// itself is already durable, and the index is rebuilt on the next save.
func (m *Manager) saveMetadataLocked() {
	m.metadata.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err == nil {
		err = os.WriteFile(m.metadataFile, data, 0o600)
	}
	if err != nil {
		logging.Warn().Err(err).Msg("save snapshot metadata failed")
	}
}
