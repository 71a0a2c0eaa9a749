package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"backend/internal/registry"
	"backend/internal/wire"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func receiptPayload(t *testing.T, id, owner uuid.UUID) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":          id.String(),
		"employee_id": owner.String(),
		"date":        "2026-03-12T00:00:00Z",
		"amount":      "18.90",
		"currency":    "EUR",
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return raw
}

func appendCreate(t *testing.T, l *Log, owner uuid.UUID) Operation {
	t.Helper()
	op := Operation{
		OpID:       uuid.New(),
		Kind:       wire.OpCreate,
		EntityKind: registry.KindReceipt,
		EntityID:   uuid.New(),
	}
	op.Payload = receiptPayload(t, op.EntityID, owner)
	require.NoError(t, l.Append(context.Background(), op))
	return op
}

func TestAppendAndDrain(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()
	owner := uuid.New()

	first := appendCreate(t, l, owner)
	second := appendCreate(t, l, owner)

	ops, err := l.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, ops, 2)

	// Oldest first, always.
	assert.Equal(t, first.OpID, ops[0].OpID)
	assert.Equal(t, second.OpID, ops[1].OpID)
	assert.Equal(t, wire.OpCreate, ops[0].Kind)
	assert.Equal(t, registry.KindReceipt, ops[0].EntityKind)
	assert.JSONEq(t, string(first.Payload), string(ops[0].Payload))
	assert.Equal(t, StatusPending, ops[0].Status)
	assert.Zero(t, ops[0].AttemptCount)
}

func TestAppendGeneratesOpID(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	entityID := uuid.New()
	op := Operation{
		Kind:       wire.OpCreate,
		EntityKind: registry.KindReceipt,
		EntityID:   entityID,
		Payload:    receiptPayload(t, entityID, uuid.New()),
	}
	require.NoError(t, l.Append(ctx, op))

	ops, err := l.Drain(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.NotEqual(t, uuid.Nil, ops[0].OpID)
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	l, _ := openTestLog(t)

	err := l.Append(context.Background(), Operation{
		Kind:       wire.OpCreate,
		EntityKind: registry.EntityKind("carExpense"),
		EntityID:   uuid.New(),
		Payload:    json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, registry.ErrUnknownEntityKind)

	n, countErr := l.PendingCount(context.Background())
	require.NoError(t, countErr)
	assert.Zero(t, n)
}

func TestAppendValidatesPayload(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	// Missing the required amount field.
	bad, err := json.Marshal(map[string]interface{}{
		"id":          uuid.NewString(),
		"employee_id": uuid.NewString(),
		"date":        "2026-03-12T00:00:00Z",
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	err = l.Append(ctx, Operation{
		Kind:       wire.OpCreate,
		EntityKind: registry.KindReceipt,
		EntityID:   uuid.New(),
		Payload:    bad,
	})
	assert.Error(t, err)

	// Deletes carry no payload and skip validation.
	err = l.Append(ctx, Operation{
		Kind:       wire.OpDelete,
		EntityKind: registry.KindReceipt,
		EntityID:   uuid.New(),
	})
	assert.NoError(t, err)
}

func TestAppendRejectsNilEntityID(t *testing.T) {
	l, _ := openTestLog(t)

	err := l.Append(context.Background(), Operation{
		Kind:       wire.OpDelete,
		EntityKind: registry.KindReceipt,
		EntityID:   uuid.Nil,
	})
	assert.Error(t, err)

	n, countErr := l.PendingCount(context.Background())
	require.NoError(t, countErr)
	assert.Zero(t, n)
}

func TestAppendRejectsUnknownOpKind(t *testing.T) {
	l, _ := openTestLog(t)
	err := l.Append(context.Background(), Operation{
		Kind:       "upsert",
		EntityKind: registry.KindReceipt,
		EntityID:   uuid.New(),
	})
	assert.Error(t, err)
}

func TestDrainRespectsBatchLimitAndDueTime(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()
	owner := uuid.New()

	var ops []Operation
	for i := 0; i < 5; i++ {
		ops = append(ops, appendCreate(t, l, owner))
	}

	drained, err := l.Drain(ctx, 3, time.Now())
	require.NoError(t, err)
	assert.Len(t, drained, 3)

	// Push one op into the future; it must not drain until due.
	future := time.Now().Add(time.Hour)
	require.NoError(t, l.MarkFailed(ctx, ops[0].OpID, "connection refused", future))

	drained, err = l.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, drained, 4)
	for _, op := range drained {
		assert.NotEqual(t, ops[0].OpID, op.OpID)
	}

	drained, err = l.Drain(ctx, 10, future.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, drained, 5)
}

func TestDrainHoldsBackSuccessorsOfBackedOffOps(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()
	owner := uuid.New()

	// Create for one entity, backed off into the future; then an update for
	// the same entity, immediately due; and an unrelated create.
	create := appendCreate(t, l, owner)
	future := time.Now().Add(time.Minute)
	require.NoError(t, l.MarkFailed(ctx, create.OpID, "connection refused", future))

	update := Operation{
		OpID:       uuid.New(),
		Kind:       wire.OpUpdate,
		EntityKind: registry.KindReceipt,
		EntityID:   create.EntityID,
		Payload:    receiptPayload(t, create.EntityID, owner),
	}
	require.NoError(t, l.Append(ctx, update))

	other := appendCreate(t, l, owner)

	// The update must wait for its create; the unrelated op drains.
	ops, err := l.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, other.OpID, ops[0].OpID)

	// Once the create is due again both ship, in creation order.
	ops, err = l.Drain(ctx, 10, future.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, create.OpID, ops[0].OpID)
	assert.Equal(t, update.OpID, ops[1].OpID)
}

func TestDrainIsNonDestructive(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	appendCreate(t, l, uuid.New())

	for i := 0; i < 3; i++ {
		ops, err := l.Drain(ctx, 10, time.Now())
		require.NoError(t, err)
		assert.Len(t, ops, 1, "drain %d", i)
	}
}

func TestRemove(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	op := appendCreate(t, l, uuid.New())
	require.NoError(t, l.Remove(ctx, op.OpID))

	n, err := l.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = l.Remove(ctx, op.OpID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFailedIncrementsAttempts(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	op := appendCreate(t, l, uuid.New())

	for i := 1; i <= 3; i++ {
		require.NoError(t, l.MarkFailed(ctx, op.OpID, fmt.Sprintf("timeout %d", i), time.Now()))
	}

	ops, err := l.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 3, ops[0].AttemptCount)
	assert.Equal(t, "timeout 3", ops[0].LastError)
}

func TestDeadLetterFlow(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	op := appendCreate(t, l, uuid.New())
	require.NoError(t, l.MarkDead(ctx, op.OpID, "conflict_overwritten"))

	// Dead operations never drain.
	ops, err := l.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ops)

	dead, err := l.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, op.OpID, dead[0].OpID)
	assert.Equal(t, StatusDead, dead[0].Status)
	assert.Equal(t, "conflict_overwritten", dead[0].LastError)

	// Requeue restores the attempt budget and makes the op due again.
	require.NoError(t, l.Requeue(ctx, op.OpID))

	ops, err = l.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].AttemptCount)
	assert.Empty(t, ops[0].LastError)

	dead, err = l.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRequeueOnlyDeadOps(t *testing.T) {
	l, _ := openTestLog(t)
	op := appendCreate(t, l, uuid.New())

	err := l.Requeue(context.Background(), op.OpID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	op := appendCreate(t, l, uuid.New())
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()

	ops, err := l.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.OpID, ops[0].OpID)
	assert.JSONEq(t, string(op.Payload), string(ops[0].Payload))
}

func TestWireOperation(t *testing.T) {
	op := Operation{
		OpID:       uuid.New(),
		Kind:       wire.OpDelete,
		EntityKind: registry.KindDailyNote,
		EntityID:   uuid.New(),
	}

	w := op.WireOperation()
	assert.Equal(t, op.OpID, w.OpID)
	assert.Equal(t, wire.OpDelete, w.Kind)
	assert.Equal(t, op.EntityID, w.EntityID)
	assert.Nil(t, w.Payload)
}
