// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/database"
	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/metrics"
)

// roomIDPattern bounds room identifiers: URL-safe, no SQL metacharacters.
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidRoomID reports whether id is an acceptable room identifier.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// Registry maps room identifiers to their owned actor handles. Actors are
// built lazily on first access and evicted by the janitor once idle;
// durable state outlives eviction, so a later access simply warms the
// room back up.
type Registry struct {
	db        *database.DB
	cfg       *config.RoomConfig
	rl        *config.RateLimitConfig
	journal   Journal
	publisher EventPublisher

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry creates an empty registry. journal and publisher may be nil.
func NewRegistry(db *database.DB, cfg *config.RoomConfig, rl *config.RateLimitConfig, journal Journal, publisher EventPublisher) *Registry {
	return &Registry{
		db:        db,
		cfg:       cfg,
		rl:        rl,
		journal:   journal,
		publisher: publisher,
		actors:    make(map[string]*Actor),
	}
}

// Get returns the actor owning roomID, warming it up if it is cold.
// Exactly one actor exists per room at any time.
func (r *Registry) Get(roomID string) (*Actor, error) {
	if !ValidRoomID(roomID) {
		return nil, NewError(KindValidation, "invalid room identifier %q", roomID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, ok := r.actors[roomID]; ok {
		return actor, nil
	}
	actor, err := NewActor(roomID, r.db, r.cfg, r.rl, r.journal, r.publisher)
	if err != nil {
		return nil, err
	}
	r.actors[roomID] = actor
	metrics.ActiveRooms.Set(float64(len(r.actors)))
	logging.Info().Str("room", roomID).Msg("room warmed up")
	return actor, nil
}

// Peek returns the actor for roomID only if it is already warm.
func (r *Registry) Peek(roomID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actor, ok := r.actors[roomID]
	return actor, ok
}

// Active returns the actors currently resident in memory.
func (r *Registry) Active() []*Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	return actors
}

// Len reports how many rooms are resident.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Sweep runs one housekeeping pass: ticks every resident actor and drops
// the ones that have gone cold. Eviction only removes in-memory state;
// an evicted room's data stays durable.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	for _, actor := range r.Active() {
		actor.Tick(ctx, now)
	}

	r.mu.Lock()
	for roomID, actor := range r.actors {
		if actor.Evictable(now) {
			delete(r.actors, roomID)
			metrics.RoomEvictions.Inc()
			logging.Info().Str("room", roomID).Msg("idle room evicted")
		}
	}
	metrics.ActiveRooms.Set(float64(len(r.actors)))
	r.mu.Unlock()
}

// RunJanitor sweeps periodically until ctx is canceled. Run under the
// supervision tree.
func (r *Registry) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.Sweep(ctx, now)
		}
	}
}

// Shutdown flushes every resident room's pending writes. Called once on
// process exit before the database closes.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, actor := range r.Active() {
		if err := actor.Flush(ctx); err != nil {
			logging.Error().Err(err).Str("room", actor.ID()).Msg("shutdown flush failed")
		}
	}
}
