// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/jmcarlson/roomsync/internal/models"
	"github.com/jmcarlson/roomsync/internal/validation"
)

// maxBodyBytes caps request bodies. Bulk mutations dominate; a single
// request larger than this should be split by the client.
const maxBodyBytes = 16 << 20

// QueryRequest carries one guarded read query.
type QueryRequest struct {
	SQL    string `json:"sql" validate:"required,max=65536"`
	Params []any  `json:"params"`
}

// MutationPayload is the wire form of a single write.
type MutationPayload struct {
	Op    string         `json:"op" validate:"required,oneof=insert update delete"`
	Table string         `json:"table" validate:"required,max=128"`
	RowID string         `json:"row_id" validate:"required,max=256"`
	Row   map[string]any `json:"row"`
}

func (p *MutationPayload) toModel() models.Mutation {
	return models.Mutation{
		Op:    models.MutationOp(p.Op),
		Table: p.Table,
		RowID: p.RowID,
		Row:   p.Row,
	}
}

// BulkMutateRequest carries an ordered batch of writes.
type BulkMutateRequest struct {
	Mutations []MutationPayload `json:"mutations" validate:"required,min=1,max=100000,dive"`
}

// RestoreRequest names the snapshot to restore into the room.
type RestoreRequest struct {
	SnapshotID string `json:"snapshot_id" validate:"required"`
}

// decodeBody unmarshals and validates a JSON request body.
func decodeBody(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := validation.ValidateStruct(dst); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}
