// Package wire defines the types exchanged between the sync dispatcher and
// the reconciliation endpoint. Both sides import these so the batch format
// cannot drift.
package wire

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Operation kind enum constants
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Per-operation outcome status enum constants
const (
	StatusOK       = "ok"       // durably applied (or an idempotent replay)
	StatusRejected = "rejected" // will never succeed — do not retry
	StatusError    = "error"    // transient — retry with backoff
)

// Well-known rejection reasons
const (
	ReasonConflictOverwritten = "conflict_overwritten"
	ReasonReportLocked        = "report locked for review"
)

// Operation is one queued mutation in transit
type Operation struct {
	OpID     uuid.UUID       `json:"op_id"`
	Kind     string          `json:"kind"` // create, update, delete
	EntityID uuid.UUID       `json:"entity_id"`
	Payload  json.RawMessage `json:"payload,omitempty"` // absent for deletes
}

// Batch groups operations by canonical wire collection name. An unknown key
// fails the whole request — there is no partial application of a batch whose
// shape the server does not recognize.
type Batch map[string][]Operation

// OpResult is the per-operation outcome the server returns. The endpoint
// never answers with a single aggregate boolean: every queued op gets an
// explicit, enumerable result.
type OpResult struct {
	OpID   uuid.UUID `json:"op_id"`
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// BatchResponse is the body of a successful POST /sync
type BatchResponse struct {
	Results []OpResult `json:"results"`
}

// ReportUpdatedEvent is pushed to subscribed viewers on every lifecycle
// transition and on every reconciliation that changes a report's totals.
// Delivery is best-effort; reconnecting clients re-GET the report.
type ReportUpdatedEvent struct {
	Type     string `json:"type"` // always "report.updated"
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}

// EventReportUpdated is the Type value of ReportUpdatedEvent
const EventReportUpdated = "report.updated"
