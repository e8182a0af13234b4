// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package metrics provides Prometheus instrumentation for Roomsync:
// guarded query performance, write-buffer flushes, subscription churn,
// rate limiting, backups, and outbound event fan-out.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room lifecycle

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_active_rooms",
			Help: "Number of rooms currently resident in memory",
		},
	)

	RoomEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_room_evictions_total",
			Help: "Total number of idle rooms evicted from memory",
		},
	)

	// Query guard

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_query_duration_seconds",
			Help:    "Duration of guarded SQL queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // ok, validation_error, timeout, error
	)

	QueryRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_query_rejections_total",
			Help: "Total queries rejected by the query guard",
		},
		[]string{"reason"}, // keyword, identifier, scope, multi_statement
	)

	// Write buffer

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomsync_flush_duration_seconds",
			Help:    "Duration of write-buffer flushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushedMutations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_flushed_mutations_total",
			Help: "Total mutations applied to durable storage",
		},
	)

	FlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_flush_failures_total",
			Help: "Total flush attempts that failed mid-chunk",
		},
	)

	BufferedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomsync_buffered_bytes",
			Help: "Estimated bytes of unflushed writes per room",
		},
		[]string{"room"},
	)

	// Subscriptions

	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomsync_subscribers",
			Help: "Live subscriptions per room",
		},
		[]string{"room"},
	)

	SubscriptionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_subscription_rejections_total",
			Help: "Subscriptions rejected by the per-table cap",
		},
	)

	// Rate limiting

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_rate_limited_total",
			Help: "Requests rejected by the per-caller sliding window",
		},
		[]string{"operation"}, // query, mutate
	)

	// Backup/restore

	BackupOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_backup_operations_total",
			Help: "Backup and restore operations by outcome",
		},
		[]string{"operation", "outcome"}, // backup|restore|delete, ok|error
	)

	BackupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomsync_backup_duration_seconds",
			Help:    "Duration of snapshot creation in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	// Outbound events

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_events_published_total",
			Help: "Change events handed to the outbound publisher",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_events_dropped_total",
			Help: "Change events dropped because the outbound queue was full",
		},
	)

	// HTTP front door

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

// ObserveQuery records one guarded query execution.
func ObserveQuery(outcome string, start time.Time) {
	QueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// ObserveFlush records one flush attempt.
func ObserveFlush(start time.Time, mutations int, err error) {
	FlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		FlushFailures.Inc()
		return
	}
	FlushedMutations.Add(float64(mutations))
}
