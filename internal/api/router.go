// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcarlson/roomsync/internal/middleware"
)

// NewRouter assembles the HTTP surface. Probes and metrics sit outside
// the identity and rate-limit layers so monitoring keeps working when a
// tenant misbehaves.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Caller-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.HandleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)
		if h.cfg.Security.HTTPRateRequests > 0 {
			r.Use(httprate.LimitByIP(h.cfg.Security.HTTPRateRequests, h.cfg.Security.HTTPRateWindow))
		}
		r.Use(middleware.Identity(h.cfg.Security.TokenSecret))

		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Post("/query", h.HandleQuery)
			r.Post("/mutate", h.HandleMutate)
			r.Post("/mutations", h.HandleMutateBulk)
			r.Post("/flush", h.HandleFlush)
			r.Get("/ws", h.HandleWebSocket)
			r.Get("/health", h.HandleRoomHealth)

			r.Post("/backups", h.HandleBackupCreate)
			r.Get("/backups", h.HandleBackupList)
			r.Post("/restore", h.HandleRestore)
		})

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", h.HandleBackupListAll)
			r.Get("/{snapshotID}", h.HandleBackupInfo)
			r.Delete("/{snapshotID}", h.HandleBackupDelete)
		})
	})

	return r
}
