// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jmcarlson/roomsync/internal/database"
	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/metrics"
	"github.com/jmcarlson/roomsync/internal/models"
)

// Subscriber is one live connection's receiving end. The transport owns
// the connection lifecycle; the registry only tracks interest and pushes
// deltas. SendDelta must not block the caller — transports buffer and
// drop on overflow.
type Subscriber interface {
	ID() string
	SendDelta(delta *models.TableDelta)
}

// Filter restricts a subscription to rows where one column equals a
// value, e.g. "status = active". Deletes always pass: the removed row's
// columns are gone, so the filter cannot be evaluated against it.
type Filter struct {
	Column string
	Value  string
}

var filterPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+?)\s*$`)

// ParseFilter parses a "column = value" filter expression. Empty input
// means no filter.
func ParseFilter(expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	match := filterPattern.FindStringSubmatch(expr)
	if match == nil {
		return nil, NewError(KindValidation, "invalid filter %q; expected \"column = value\"", expr)
	}
	if !database.ValidIdentifier(match[1]) {
		return nil, NewError(KindValidation, "invalid filter column %q", match[1])
	}
	value := strings.Trim(match[2], `'"`)
	return &Filter{Column: match[1], Value: value}, nil
}

// Matches reports whether any changed row passes the filter.
func (f *Filter) Matches(rows []models.ChangeRow) bool {
	if f == nil {
		return true
	}
	for _, row := range rows {
		if f.matchRow(row) {
			return true
		}
	}
	return false
}

func (f *Filter) matchRow(row models.ChangeRow) bool {
	if row.Op == models.OpDelete {
		return true
	}
	v, ok := row.Row[f.Column]
	return ok && fmt.Sprintf("%v", v) == f.Value
}

type subscription struct {
	sub    Subscriber
	filter *Filter
}

// SubscriptionRegistry tracks which connections want which tables for one
// room, enforcing a per-table cap at subscribe time. Over-cap subscribes
// are rejected; existing subscribers are never evicted to make room.
type SubscriptionRegistry struct {
	mu       sync.RWMutex
	room     string
	tableCap int
	tables   map[string]map[string]*subscription
}

// NewSubscriptionRegistry creates a registry with the given per-table cap.
func NewSubscriptionRegistry(roomID string, tableCap int) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		room:     roomID,
		tableCap: tableCap,
		tables:   make(map[string]map[string]*subscription),
	}
}

// Subscribe registers sub's interest in table. Re-subscribing the same
// connection to the same table replaces its filter without consuming an
// extra slot.
func (r *SubscriptionRegistry) Subscribe(sub Subscriber, table string, filter *Filter) error {
	if !database.ValidIdentifier(table) {
		return NewError(KindValidation, "invalid table identifier %q", table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.tables[table]
	if subs == nil {
		subs = make(map[string]*subscription)
		r.tables[table] = subs
	}
	if _, exists := subs[sub.ID()]; !exists && len(subs) >= r.tableCap {
		metrics.SubscriptionRejections.Inc()
		return NewError(KindCapacityExceeded, "table %q is at its cap of %d subscribers", table, r.tableCap)
	}
	subs[sub.ID()] = &subscription{sub: sub, filter: filter}
	metrics.Subscribers.WithLabelValues(r.room).Set(float64(r.totalLocked()))
	return nil
}

// Unsubscribe removes one connection's interest in table.
func (r *SubscriptionRegistry) Unsubscribe(connID, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.tables[table]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.tables, table)
		}
	}
	metrics.Subscribers.WithLabelValues(r.room).Set(float64(r.totalLocked()))
}

// DropConnection removes every interest held by connID, called when the
// transport reports the connection closed.
func (r *SubscriptionRegistry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for table, subs := range r.tables {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.tables, table)
		}
	}
	metrics.Subscribers.WithLabelValues(r.room).Set(float64(r.totalLocked()))
}

// Notify pushes a delta of changed rows to every subscriber of table
// whose filter matches at least one changed row. Filtered subscribers
// receive only their matching rows; bandwidth stays proportional to
// change size, never dataset size.
func (r *SubscriptionRegistry) Notify(table string, version int64, rows []models.ChangeRow) {
	r.mu.RLock()
	targets := make([]*subscription, 0, len(r.tables[table]))
	for _, s := range r.tables[table] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	full := &models.TableDelta{Room: r.room, Table: table, Version: version, Rows: rows}
	for _, s := range targets {
		if !s.filter.Matches(rows) {
			continue
		}
		delta := full
		if s.filter != nil {
			matched := make([]models.ChangeRow, 0, len(rows))
			for _, row := range rows {
				if s.filter.matchRow(row) {
					matched = append(matched, row)
				}
			}
			delta = &models.TableDelta{Room: r.room, Table: table, Version: version, Rows: matched}
		}
		s.sub.SendDelta(delta)
	}
	logging.Debug().
		Str("room", r.room).
		Str("table", table).
		Int("rows", len(rows)).
		Int("subscribers", len(targets)).
		Msg("delta pushed")
}

// Counts reports live subscriptions per table.
func (r *SubscriptionRegistry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.tables))
	for table, subs := range r.tables {
		counts[table] = len(subs)
	}
	return counts
}

// Total reports live subscriptions across all tables.
func (r *SubscriptionRegistry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalLocked()
}

func (r *SubscriptionRegistry) totalLocked() int {
	total := 0
	for _, subs := range r.tables {
		total += len(subs)
	}
	return total
}
