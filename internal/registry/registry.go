// Package registry is the canonical table mapping every syncable entity kind
// to its wire-level collection name and payload requirements.
//
// Lookup is a closed enumeration in both directions. There is deliberately no
// fallback branch that derives a wire name from a type name — an entity kind
// either has an entry here or the operation fails loudly with
// ErrUnknownEntityKind / ErrUnrecognizedCollection.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"backend/internal/model"

	"github.com/google/uuid"
)

// EntityKind identifies one syncable business-entity kind
type EntityKind string

const (
	KindMileageEntry EntityKind = "mileageEntry"
	KindReceipt      EntityKind = "receipt"
	KindTimeEntry    EntityKind = "timeEntry"
	KindDailyNote    EntityKind = "dailyNote"
)

var (
	// ErrUnknownEntityKind means a client tried to queue an operation for a
	// kind that has no registry entry. Programming error — fail the append.
	ErrUnknownEntityKind = errors.New("unknown entity kind")

	// ErrUnrecognizedCollection means a sync batch carried a top-level key
	// that is not a canonical wire name. The whole batch is refused.
	ErrUnrecognizedCollection = errors.New("unrecognized collection")
)

// Descriptor holds everything the sync pipeline needs to know about one kind
type Descriptor struct {
	Kind           EntityKind
	WireName       string
	RequiredFields []string
	newRecord      func() model.SyncRecord
}

var descriptors = map[EntityKind]Descriptor{
	KindMileageEntry: {
		Kind:           KindMileageEntry,
		WireName:       "mileageEntries",
		RequiredFields: []string{"id", "employee_id", "date", "distance_km", "updated_at"},
		newRecord:      func() model.SyncRecord { return &model.MileageEntry{} },
	},
	KindReceipt: {
		Kind:           KindReceipt,
		WireName:       "receipts",
		RequiredFields: []string{"id", "employee_id", "date", "amount", "updated_at"},
		newRecord:      func() model.SyncRecord { return &model.Receipt{} },
	},
	KindTimeEntry: {
		Kind:           KindTimeEntry,
		WireName:       "timeEntries",
		RequiredFields: []string{"id", "employee_id", "date", "hours", "updated_at"},
		newRecord:      func() model.SyncRecord { return &model.TimeEntry{} },
	},
	KindDailyNote: {
		Kind:           KindDailyNote,
		WireName:       "dailyNotes",
		RequiredFields: []string{"id", "employee_id", "date", "body", "updated_at"},
		newRecord:      func() model.SyncRecord { return &model.DailyNote{} },
	},
}

var kindByWire = make(map[string]EntityKind, len(descriptors))

func init() {
	for kind, desc := range descriptors {
		if _, dup := kindByWire[desc.WireName]; dup {
			panic("registry: duplicate wire name " + desc.WireName)
		}
		kindByWire[desc.WireName] = kind
	}
}

// Kinds returns every registered entity kind
func Kinds() []EntityKind {
	kinds := make([]EntityKind, 0, len(descriptors))
	for kind := range descriptors {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Lookup returns the descriptor for a kind
func Lookup(kind EntityKind) (Descriptor, error) {
	desc, ok := descriptors[kind]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownEntityKind, kind)
	}
	return desc, nil
}

// WireName returns the canonical collection name operations of this kind are
// grouped under in a sync batch
func WireName(kind EntityKind) (string, error) {
	desc, err := Lookup(kind)
	if err != nil {
		return "", err
	}
	return desc.WireName, nil
}

// KindForWire resolves a batch key back to its entity kind
func KindForWire(wire string) (EntityKind, error) {
	kind, ok := kindByWire[wire]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnrecognizedCollection, wire)
	}
	return kind, nil
}

// NewRecord returns a zero-valued record of the kind's concrete model type
func NewRecord(kind EntityKind) (model.SyncRecord, error) {
	desc, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	return desc.newRecord(), nil
}

// Validate checks that payload is a JSON object carrying every required field
// for the kind with a non-null value. Used client-side on append and
// server-side before an upsert is attempted.
func Validate(kind EntityKind, payload json.RawMessage) error {
	desc, err := Lookup(kind)
	if err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}

	for _, name := range desc.RequiredFields {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("missing required field %q for kind %s", name, kind)
		}
	}

	return nil
}

// Decode validates and unmarshals a payload into the kind's concrete model
// type. The decoded record must carry a client-assigned id, an owner and a
// client-authored updated_at — those three are what make the server-side
// upsert idempotent and the conflict policy deterministic.
func Decode(kind EntityKind, payload json.RawMessage) (model.SyncRecord, error) {
	if err := Validate(kind, payload); err != nil {
		return nil, err
	}

	rec, err := NewRecord(kind)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", kind, err)
	}

	if rec.RecordID() == uuid.Nil {
		return nil, fmt.Errorf("payload id must be a non-nil uuid")
	}
	if rec.Owner() == uuid.Nil {
		return nil, fmt.Errorf("payload employee_id must be a non-nil uuid")
	}
	if rec.LastModified().IsZero() {
		return nil, fmt.Errorf("payload updated_at must be set")
	}

	return rec, nil
}
