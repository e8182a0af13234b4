// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcarlson/roomsync/internal/room"
)

// HandleBackupCreate snapshots the room after flushing pending writes.
func (h *Handlers) HandleBackupCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}

	snapshot, err := actor.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := h.backups.Create(snapshot)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// HandleBackupList lists snapshots for one room, newest first.
func (h *Handlers) HandleBackupList(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !room.ValidRoomID(roomID) {
		writeValidationError(w, r, "invalid room id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":      roomID,
		"snapshots": h.backups.List(roomID),
	})
}

// HandleBackupListAll lists every stored snapshot across rooms.
func (h *Handlers) HandleBackupListAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": h.backups.List(""),
	})
}

// HandleBackupInfo returns one snapshot's index entry.
func (h *Handlers) HandleBackupInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.backups.Info(chi.URLParam(r, "snapshotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleBackupDelete removes a snapshot and its index entry.
func (h *Handlers) HandleBackupDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.backups.Delete(chi.URLParam(r, "snapshotID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleRestore replaces the room's dataset with a stored snapshot. The
// snapshot must belong to the room being restored; cross-room restores
// are a separate import concern this API does not offer.
func (h *Handlers) HandleRestore(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}

	var req RestoreRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	snapshot, err := h.backups.Load(req.SnapshotID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if snapshot.RoomID != actor.ID() {
		writeValidationError(w, r, "snapshot belongs to a different room")
		return
	}

	if err := actor.RestoreSnapshot(r.Context(), snapshot); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "restored",
		"snapshot": req.SnapshotID,
		"version":  actor.Version(),
		"rows":     snapshot.RowCount(),
	})
}
