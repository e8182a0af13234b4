// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"sync"
	"time"
)

// SlidingWindow is a per-key sliding-window rate limiter. A key is allowed
// at most limit requests within the trailing window; timestamps older than
// the window are pruned lazily on access. State is in-memory only and
// resets with the actor, which is fine: limits here are throttling, not a
// security boundary.
type SlidingWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewSlidingWindow creates a limiter allowing limit requests per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether a request for key is admitted now, and records it
// if so.
func (sw *SlidingWindow) Allow(key string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	recent := sw.prune(key, now)
	if len(recent) >= sw.limit {
		sw.buckets[key] = recent
		return false
	}
	sw.buckets[key] = append(recent, now)
	return true
}

// Remaining reports how many requests key may still make in the current
// window without mutating state.
func (sw *SlidingWindow) Remaining(key string) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	recent := sw.prune(key, sw.now())
	if len(recent) == 0 {
		delete(sw.buckets, key)
	} else {
		sw.buckets[key] = recent
	}
	if r := sw.limit - len(recent); r > 0 {
		return r
	}
	return 0
}

// prune drops timestamps outside the trailing window. Caller holds the
// lock. Timestamps are appended in order, so the first in-window index
// splits the slice.
func (sw *SlidingWindow) prune(key string, now time.Time) []time.Time {
	stamps := sw.buckets[key]
	cutoff := now.Add(-sw.window)
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}

// Cleanup removes keys whose entire window has gone stale, bounding the
// limiter's memory. Called periodically by the actor's housekeeping tick.
func (sw *SlidingWindow) Cleanup() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := sw.now().Add(-sw.window)
	for key, stamps := range sw.buckets {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(sw.buckets, key)
		}
	}
}

// KeyCount reports how many keys currently hold state, for health reports.
func (sw *SlidingWindow) KeyCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.buckets)
}
