// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/middleware"
	"github.com/jmcarlson/roomsync/internal/room"
)

// ErrorResponse is the JSON body for every non-2xx reply. Kind is a
// stable machine-readable classifier; Error is human-readable detail.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error().Err(err).Msg("encode response")
	}
}

// statusForKind maps actor error kinds onto HTTP statuses. The mapping is
// part of the API contract; clients branch on both the status and the
// kind string in the body.
func statusForKind(kind room.Kind) int {
	switch kind {
	case room.KindValidation:
		return http.StatusBadRequest
	case room.KindRateLimited:
		return http.StatusTooManyRequests
	case room.KindTimeout:
		return http.StatusGatewayTimeout
	case room.KindCapacityExceeded:
		return http.StatusInsufficientStorage
	case room.KindSnapshotNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := room.KindOf(err)
	writeJSON(w, statusForKind(kind), ErrorResponse{
		Error:     err.Error(),
		Kind:      string(kind),
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

func writeValidationError(w http.ResponseWriter, r *http.Request, detail string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:     detail,
		Kind:      string(room.KindValidation),
		RequestID: middleware.GetRequestID(r.Context()),
	})
}
