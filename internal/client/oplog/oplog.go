// Package oplog is the client-side Local Operation Log: an ordered, durable
// queue of pending mutations, recorded the instant a local write happens and
// drained by the sync dispatcher. It survives process restarts; an operation
// leaves the queue only on dispatcher-confirmed server success or by moving
// to the dead-letter set.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/registry"
	"backend/internal/wire"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Operation status constants for the operations.status column
const (
	StatusPending = "pending"
	StatusDead    = "dead" // exhausted retries or failed validation; surfaced, never silently dropped
)

// ErrNotFound is returned when an op id has no row
var ErrNotFound = errors.New("operation not found")

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id           TEXT NOT NULL UNIQUE,
	op_kind         TEXT NOT NULL,
	entity_kind     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	payload         TEXT,
	created_at      INTEGER NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operations_status_due ON operations(status, next_attempt_at, seq);
`

// Operation is one queued local mutation. Only the dispatcher mutates rows
// after Append: attempt_count moves forward, or the row is removed on
// confirmed success.
type Operation struct {
	Seq           int64
	OpID          uuid.UUID
	Kind          string // create, update, delete
	EntityKind    registry.EntityKind
	EntityID      uuid.UUID
	Payload       json.RawMessage
	CreatedAt     time.Time
	AttemptCount  int
	NextAttemptAt time.Time
	Status        string
	LastError     string
}

// WireOperation converts the queued row to its in-transit form
func (o Operation) WireOperation() wire.Operation {
	return wire.Operation{
		OpID:     o.OpID,
		Kind:     o.Kind,
		EntityID: o.EntityID,
		Payload:  o.Payload,
	}
}

// Log is a durable operation queue backed by a local SQLite file. Sole
// writer: the connection pool is capped at one so queue mutations serialize.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the operation log at path
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: create schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close releases the underlying database handle
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records a local mutation. The entity kind must exist in the
// registry and create/update payloads must pass its validation — a queue
// that accepts garbage would only discover it after the user has moved on.
// Never touches the network. A storage failure here is returned loudly so
// the caller does not erase the originating local write.
func (l *Log) Append(ctx context.Context, op Operation) error {
	if _, err := registry.Lookup(op.EntityKind); err != nil {
		return err
	}
	if op.EntityID == uuid.Nil {
		return fmt.Errorf("oplog: entity id must be a non-nil uuid")
	}

	switch op.Kind {
	case wire.OpCreate, wire.OpUpdate:
		if err := registry.Validate(op.EntityKind, op.Payload); err != nil {
			return fmt.Errorf("oplog: invalid payload: %w", err)
		}
	case wire.OpDelete:
		// deletes carry no payload
	default:
		return fmt.Errorf("oplog: unknown operation kind %q", op.Kind)
	}

	if op.OpID == uuid.Nil {
		op.OpID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO operations
			(op_id, op_kind, entity_kind, entity_id, payload, created_at, next_attempt_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID.String(), op.Kind, string(op.EntityKind), op.EntityID.String(),
		string(op.Payload), op.CreatedAt.UnixNano(), op.CreatedAt.UnixNano(), StatusPending)
	if err != nil {
		return fmt.Errorf("oplog: append %s: %w", op.OpID, err)
	}

	return nil
}

// Drain returns up to maxBatch pending operations due for an attempt, oldest
// first. Operations for one entity id never ship out of creation order: when
// an earlier op for the same entity is pending but backed off, its successors
// are held back too until the head op is due again. Otherwise a backed-off
// create could arrive after the update that depends on it and lose the
// last-write-wins race it should have won. Rows are NOT removed — removal
// happens only when the dispatcher confirms server success.
func (l *Log) Drain(ctx context.Context, maxBatch int, now time.Time) ([]Operation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, op_id, op_kind, entity_kind, entity_id, payload,
			created_at, attempt_count, next_attempt_at, status, last_error
			FROM operations
			WHERE status = ? AND next_attempt_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM operations prior
				WHERE prior.entity_id = operations.entity_id
					AND prior.seq < operations.seq
					AND prior.status = ?
					AND prior.next_attempt_at > ?
			)
			ORDER BY seq ASC
			LIMIT ?`,
		StatusPending, now.UnixNano(), StatusPending, now.UnixNano(), maxBatch)
	if err != nil {
		return nil, fmt.Errorf("oplog: drain: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Remove deletes an operation after the server confirmed it applied.
// Dispatcher-only.
func (l *Log) Remove(ctx context.Context, opID uuid.UUID) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM operations WHERE op_id = ?`, opID.String())
	if err != nil {
		return fmt.Errorf("oplog: remove %s: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oplog: remove %s: %w", opID, ErrNotFound)
	}
	return nil
}

// MarkFailed records a transient failure: increments the attempt counter and
// schedules the next attempt. Dispatcher-only.
func (l *Log) MarkFailed(ctx context.Context, opID uuid.UUID, errMsg string, nextAttempt time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE operations
			SET attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?
			WHERE op_id = ? AND status = ?`,
		nextAttempt.UnixNano(), errMsg, opID.String(), StatusPending)
	if err != nil {
		return fmt.Errorf("oplog: mark failed %s: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oplog: mark failed %s: %w", opID, ErrNotFound)
	}
	return nil
}

// MarkDead moves an operation to the dead-letter set: it will not be retried
// and stays visible until the user resolves it. Dispatcher-only.
func (l *Log) MarkDead(ctx context.Context, opID uuid.UUID, reason string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, last_error = ? WHERE op_id = ?`,
		StatusDead, reason, opID.String())
	if err != nil {
		return fmt.Errorf("oplog: mark dead %s: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oplog: mark dead %s: %w", opID, ErrNotFound)
	}
	return nil
}

// DeadLetters returns every dead-lettered operation, oldest first, for
// "needs attention" surfacing.
func (l *Log) DeadLetters(ctx context.Context) ([]Operation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, op_id, op_kind, entity_kind, entity_id, payload,
			created_at, attempt_count, next_attempt_at, status, last_error
			FROM operations
			WHERE status = ?
			ORDER BY seq ASC`,
		StatusDead)
	if err != nil {
		return nil, fmt.Errorf("oplog: dead letters: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Requeue returns a dead-lettered operation to the pending queue with a
// fresh attempt budget (e.g. after the user fixed the underlying data).
func (l *Log) Requeue(ctx context.Context, opID uuid.UUID) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE operations
			SET status = ?, attempt_count = 0, next_attempt_at = ?, last_error = ''
			WHERE op_id = ? AND status = ?`,
		StatusPending, time.Now().UnixNano(), opID.String(), StatusDead)
	if err != nil {
		return fmt.Errorf("oplog: requeue %s: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oplog: requeue %s: %w", opID, ErrNotFound)
	}
	return nil
}

// PendingCount returns how many operations await delivery
func (l *Log) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("oplog: pending count: %w", err)
	}
	return n, nil
}

func scanOperations(rows *sql.Rows) ([]Operation, error) {
	var ops []Operation
	for rows.Next() {
		var (
			op                   Operation
			opID, entityID, kind string
			payload              sql.NullString
			createdAt, nextAt    int64
		)
		if err := rows.Scan(&op.Seq, &opID, &op.Kind, &kind, &entityID, &payload,
			&createdAt, &op.AttemptCount, &nextAt, &op.Status, &op.LastError); err != nil {
			return nil, fmt.Errorf("oplog: scan: %w", err)
		}

		parsed, err := uuid.Parse(opID)
		if err != nil {
			return nil, fmt.Errorf("oplog: corrupt op_id %q: %w", opID, err)
		}
		op.OpID = parsed

		parsed, err = uuid.Parse(entityID)
		if err != nil {
			return nil, fmt.Errorf("oplog: corrupt entity_id %q: %w", entityID, err)
		}
		op.EntityID = parsed

		op.EntityKind = registry.EntityKind(kind)
		if payload.Valid && payload.String != "" {
			op.Payload = json.RawMessage(payload.String)
		}
		op.CreatedAt = time.Unix(0, createdAt)
		op.NextAttemptAt = time.Unix(0, nextAt)

		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oplog: iterate: %w", err)
	}

	return ops, nil
}
