// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

// Package api is the HTTP front door: guarded queries, buffered writes,
// bulk imports with streamed progress, live websocket subscriptions, and
// snapshot management. Every room-scoped route resolves the room actor
// through the registry, so a cold room warms transparently on first use.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/jmcarlson/roomsync/internal/backup"
	"github.com/jmcarlson/roomsync/internal/config"
	"github.com/jmcarlson/roomsync/internal/database"
	"github.com/jmcarlson/roomsync/internal/events"
	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/middleware"
	"github.com/jmcarlson/roomsync/internal/models"
	"github.com/jmcarlson/roomsync/internal/room"
	"github.com/jmcarlson/roomsync/internal/websocket"
)

// Handlers owns the HTTP layer's collaborators.
type Handlers struct {
	cfg       *config.Config
	db        *database.DB
	registry  *room.Registry
	backups   *backup.Manager
	hub       *websocket.Hub
	publisher *events.ChangePublisher
	upgrader  gorillaws.Upgrader
	started   time.Time
}

// NewHandlers wires the handler set. publisher may be nil in tests.
func NewHandlers(cfg *config.Config, db *database.DB, registry *room.Registry, backups *backup.Manager, hub *websocket.Hub, publisher *events.ChangePublisher) *Handlers {
	return &Handlers{
		cfg:       cfg,
		db:        db,
		registry:  registry,
		backups:   backups,
		hub:       hub,
		publisher: publisher,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Security.CORSOrigins),
		},
		started: time.Now(),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// actorFor resolves the room actor for the request path, warming the room
// if needed.
func (h *Handlers) actorFor(w http.ResponseWriter, r *http.Request) (*room.Actor, bool) {
	actor, err := h.registry.Get(chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return actor, true
}

// HandleQuery executes a guarded read query inside the room scope.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	result, err := actor.Query(r.Context(), middleware.GetCaller(r.Context()), req.SQL, req.Params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleMutate stages a single write. The reply reports the buffer state;
// durability arrives with the next flush.
func (h *Handlers) HandleMutate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}

	var req MutationPayload
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	m := req.toModel()
	if err := actor.Mutate(r.Context(), middleware.GetCaller(r.Context()), &m); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "staged",
		"version": actor.Version(),
	})
}

// HandleMutateBulk applies a mutation batch, streaming flush progress as
// NDJSON lines and closing with a summary line. A mid-batch failure still
// reports the committed prefix: committed chunks stay committed.
func (h *Handlers) HandleMutateBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}

	var req BulkMutateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	mutations := make([]models.Mutation, len(req.Mutations))
	for i := range req.Mutations {
		mutations[i] = req.Mutations[i].toModel()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	result, err := actor.MutateBulk(r.Context(), middleware.GetCaller(r.Context()), mutations,
		func(p room.FlushProgress) {
			_ = enc.Encode(map[string]any{"progress": p})
			if flusher != nil {
				flusher.Flush()
			}
		})

	summary := map[string]any{"result": result}
	if err != nil {
		summary["error"] = err.Error()
		summary["kind"] = string(room.KindOf(err))
	}
	_ = enc.Encode(summary)
}

// HandleFlush forces pending writes to durable storage.
func (h *Handlers) HandleFlush(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	if err := actor.Flush(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "flushed",
		"version": actor.Version(),
	})
}

// HandleWebSocket upgrades the connection and binds it to the room.
// Subscription commands flow over the socket itself.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorFor(w, r)
	if !ok {
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Err(err).Str("room", actor.ID()).Msg("websocket upgrade failed")
		return
	}
	websocket.NewConn(h.hub, actor, ws).Start()
}

// HandleRoomHealth reports one room actor. A room not resident in memory
// is cold; the probe never warms it.
func (h *Handlers) HandleRoomHealth(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !room.ValidRoomID(roomID) {
		writeValidationError(w, r, "invalid room id")
		return
	}
	actor, ok := h.registry.Peek(roomID)
	if !ok {
		writeJSON(w, http.StatusOK, models.HealthReport{Room: roomID, State: "cold"})
		return
	}
	writeJSON(w, http.StatusOK, actor.Health())
}

// HandleHealthz is the service liveness/readiness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"active_rooms":   h.registry.Len(),
		"websockets":     h.hub.Count(),
	}
	if h.publisher != nil {
		body["event_queue_depth"] = h.publisher.QueueDepth()
	}
	writeJSON(w, code, body)
}
