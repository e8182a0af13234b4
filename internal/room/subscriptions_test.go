// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcarlson/roomsync/internal/models"
)

// fakeSubscriber records every delta pushed to it.
type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	deltas []*models.TableDelta
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) SendDelta(delta *models.TableDelta) {
	s.mu.Lock()
	s.deltas = append(s.deltas, delta)
	s.mu.Unlock()
}

func (s *fakeSubscriber) received() []*models.TableDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.TableDelta(nil), s.deltas...)
}

func TestSubscriptionCapRejectsWithoutEvicting(t *testing.T) {
	reg := NewSubscriptionRegistry("r1", 3)

	subs := make([]*fakeSubscriber, 4)
	for i := range subs {
		subs[i] = &fakeSubscriber{id: fmt.Sprintf("conn-%d", i)}
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Subscribe(subs[i], "tasks", nil))
	}

	err := reg.Subscribe(subs[3], "tasks", nil)
	require.Error(t, err)
	assert.Equal(t, KindCapacityExceeded, KindOf(err))
	assert.Equal(t, 3, reg.Counts()["tasks"], "no existing subscriber is evicted")

	// Existing subscribers still receive pushes.
	reg.Notify("tasks", 1, []models.ChangeRow{{Op: models.OpInsert, RowID: "a"}})
	for i := 0; i < 3; i++ {
		assert.Len(t, subs[i].received(), 1)
	}
	assert.Empty(t, subs[3].received())
}

func TestSubscribeSameConnectionReplacesFilter(t *testing.T) {
	reg := NewSubscriptionRegistry("r1", 1)
	sub := &fakeSubscriber{id: "conn-1"}

	require.NoError(t, reg.Subscribe(sub, "tasks", nil))
	// Re-subscribing does not consume the last slot.
	require.NoError(t, reg.Subscribe(sub, "tasks", &Filter{Column: "status", Value: "open"}))
	assert.Equal(t, 1, reg.Counts()["tasks"])
}

func TestNotifyRespectsFilter(t *testing.T) {
	reg := NewSubscriptionRegistry("r1", 10)
	all := &fakeSubscriber{id: "all"}
	open := &fakeSubscriber{id: "open"}

	require.NoError(t, reg.Subscribe(all, "tasks", nil))
	require.NoError(t, reg.Subscribe(open, "tasks", &Filter{Column: "status", Value: "open"}))

	reg.Notify("tasks", 7, []models.ChangeRow{
		{Op: models.OpInsert, RowID: "a", Row: map[string]any{"status": "open"}},
		{Op: models.OpInsert, RowID: "b", Row: map[string]any{"status": "closed"}},
	})

	allDeltas := all.received()
	require.Len(t, allDeltas, 1)
	assert.Len(t, allDeltas[0].Rows, 2)
	assert.Equal(t, int64(7), allDeltas[0].Version)

	openDeltas := open.received()
	require.Len(t, openDeltas, 1)
	require.Len(t, openDeltas[0].Rows, 1, "filtered subscriber only sees matching rows")
	assert.Equal(t, "a", openDeltas[0].Rows[0].RowID)

	// No matching row, no push.
	reg.Notify("tasks", 8, []models.ChangeRow{
		{Op: models.OpInsert, RowID: "c", Row: map[string]any{"status": "closed"}},
	})
	assert.Len(t, open.received(), 1)
	assert.Len(t, all.received(), 2)
}

func TestNotifyDeliversDeletesThroughFilters(t *testing.T) {
	reg := NewSubscriptionRegistry("r1", 10)
	open := &fakeSubscriber{id: "open"}
	require.NoError(t, reg.Subscribe(open, "tasks", &Filter{Column: "status", Value: "open"}))

	// A deleted row has no columns left to filter on; it must reach the
	// subscriber so a previously matching row can be dropped client-side.
	reg.Notify("tasks", 2, []models.ChangeRow{{Op: models.OpDelete, RowID: "a"}})
	deltas := open.received()
	require.Len(t, deltas, 1)
	assert.Equal(t, models.OpDelete, deltas[0].Rows[0].Op)
}

func TestDropConnectionRemovesAllInterests(t *testing.T) {
	reg := NewSubscriptionRegistry("r1", 10)
	sub := &fakeSubscriber{id: "conn-1"}
	other := &fakeSubscriber{id: "conn-2"}

	require.NoError(t, reg.Subscribe(sub, "tasks", nil))
	require.NoError(t, reg.Subscribe(sub, "notes", nil))
	require.NoError(t, reg.Subscribe(other, "tasks", nil))
	assert.Equal(t, 3, reg.Total())

	reg.DropConnection("conn-1")
	assert.Equal(t, 1, reg.Total())
	assert.Equal(t, 1, reg.Counts()["tasks"])
	assert.Zero(t, reg.Counts()["notes"])
}

func TestUnsubscribeSingleTable(t *testing.T) {
	reg := NewSubscriptionRegistry("r1", 10)
	sub := &fakeSubscriber{id: "conn-1"}

	require.NoError(t, reg.Subscribe(sub, "tasks", nil))
	require.NoError(t, reg.Subscribe(sub, "notes", nil))
	reg.Unsubscribe("conn-1", "tasks")

	reg.Notify("tasks", 1, []models.ChangeRow{{Op: models.OpInsert, RowID: "a"}})
	reg.Notify("notes", 1, []models.ChangeRow{{Op: models.OpInsert, RowID: "b"}})
	deltas := sub.received()
	require.Len(t, deltas, 1)
	assert.Equal(t, "notes", deltas[0].Table)
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		expr    string
		wantCol string
		wantVal string
		wantErr bool
	}{
		{"status = open", "status", "open", false},
		{"status='open'", "status", "open", false},
		{`kind = "note"`, "kind", "note", false},
		{"", "", "", false},
		{"status", "", "", true},
		{"bad col = x", "", "", true},
	}
	for _, tt := range tests {
		f, err := ParseFilter(tt.expr)
		if tt.wantErr {
			assert.Error(t, err, tt.expr)
			continue
		}
		require.NoError(t, err, tt.expr)
		if tt.expr == "" {
			assert.Nil(t, f)
			continue
		}
		assert.Equal(t, tt.wantCol, f.Column, tt.expr)
		assert.Equal(t, tt.wantVal, f.Value, tt.expr)
	}
}
