// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package backup

import (
	"context"
	"time"

	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/room"
)

// ActorSource yields the rooms currently resident in memory. Satisfied
// by *room.Registry.
type ActorSource interface {
	Active() []*room.Actor
}

// RunScheduler snapshots every active room each interval until ctx is
// canceled. Rooms that went cold since the last pass are skipped; their
// durable state has not changed without an actor to change it. Run under
// the supervision tree; a no-op when scheduled backups are disabled.
func (m *Manager) RunScheduler(ctx context.Context, source ActorSource) error {
	if m.cfg.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.snapshotActive(ctx, source)
		}
	}
}

func (m *Manager) snapshotActive(ctx context.Context, source ActorSource) {
	for _, actor := range source.Active() {
		snapshot, err := actor.Snapshot(ctx)
		if err != nil {
			logging.Error().Err(err).Str("room", actor.ID()).Msg("scheduled snapshot failed")
			continue
		}
		if snapshot.RowCount() == 0 {
			continue
		}
		if _, err := m.Create(snapshot); err != nil {
			logging.Error().Err(err).Str("room", actor.ID()).Msg("scheduled snapshot store failed")
		}
	}
}
