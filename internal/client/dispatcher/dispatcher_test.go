package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"backend/internal/client/oplog"
	"backend/internal/registry"
	"backend/internal/wire"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every batch and answers with a scripted respond func
type fakeSender struct {
	batches []wire.Batch
	respond func(batch wire.Batch) ([]wire.OpResult, error)
}

func (f *fakeSender) SendBatch(_ context.Context, _ Session, batch wire.Batch) ([]wire.OpResult, error) {
	f.batches = append(f.batches, batch)
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(batch)
}

func allOK(batch wire.Batch) ([]wire.OpResult, error) {
	var results []wire.OpResult
	for _, ops := range batch {
		for _, op := range ops {
			results = append(results, wire.OpResult{OpID: op.OpID, Status: wire.StatusOK})
		}
	}
	return results, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestDispatcher(t *testing.T, sender BatchSender, cfg Config) (*Dispatcher, *oplog.Log) {
	t.Helper()
	l, err := oplog.Open(filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	session := Session{EmployeeID: uuid.New(), Token: "test-token"}
	return New(l, sender, session, cfg, quietLogger()), l
}

func queueCreate(t *testing.T, l *oplog.Log, kind registry.EntityKind) oplog.Operation {
	t.Helper()
	op := oplog.Operation{
		OpID:       uuid.New(),
		Kind:       wire.OpCreate,
		EntityKind: kind,
		EntityID:   uuid.New(),
	}

	payload := map[string]interface{}{
		"id":          op.EntityID.String(),
		"employee_id": uuid.NewString(),
		"date":        "2026-03-12T00:00:00Z",
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	}
	switch kind {
	case registry.KindMileageEntry:
		payload["distance_km"] = "12.0"
	case registry.KindReceipt:
		payload["amount"] = "9.99"
	case registry.KindTimeEntry:
		payload["hours"] = "8"
	case registry.KindDailyNote:
		payload["body"] = "note"
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	op.Payload = raw

	require.NoError(t, l.Append(context.Background(), op))
	return op
}

func TestRunCycleEmptyLogIsNoOp(t *testing.T) {
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, sender, Config{})

	require.NoError(t, d.RunCycle(context.Background()))
	assert.Empty(t, sender.batches)
}

func TestRunCycleGroupsByWireName(t *testing.T) {
	sender := &fakeSender{respond: allOK}
	d, l := newTestDispatcher(t, sender, Config{})
	ctx := context.Background()

	mileage := queueCreate(t, l, registry.KindMileageEntry)
	receipt := queueCreate(t, l, registry.KindReceipt)
	note := queueCreate(t, l, registry.KindDailyNote)

	require.NoError(t, d.RunCycle(ctx))
	require.Len(t, sender.batches, 1)

	batch := sender.batches[0]
	require.Len(t, batch["mileageEntries"], 1)
	require.Len(t, batch["receipts"], 1)
	require.Len(t, batch["dailyNotes"], 1)
	assert.Equal(t, mileage.OpID, batch["mileageEntries"][0].OpID)
	assert.Equal(t, receipt.OpID, batch["receipts"][0].OpID)
	assert.Equal(t, note.OpID, batch["dailyNotes"][0].OpID)

	// All confirmed, so the queue is empty.
	n, err := l.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunCyclePreservesPerEntityOrder(t *testing.T) {
	sender := &fakeSender{respond: allOK}
	d, l := newTestDispatcher(t, sender, Config{})

	var queued []uuid.UUID
	for i := 0; i < 4; i++ {
		op := queueCreate(t, l, registry.KindReceipt)
		queued = append(queued, op.OpID)
	}

	require.NoError(t, d.RunCycle(context.Background()))
	require.Len(t, sender.batches, 1)

	sent := sender.batches[0]["receipts"]
	require.Len(t, sent, 4)
	for i, op := range sent {
		assert.Equal(t, queued[i], op.OpID, "position %d", i)
	}
}

func TestRunCycleRejectedGoesToDeadLetters(t *testing.T) {
	sender := &fakeSender{respond: func(batch wire.Batch) ([]wire.OpResult, error) {
		var results []wire.OpResult
		for _, ops := range batch {
			for _, op := range ops {
				results = append(results, wire.OpResult{
					OpID:   op.OpID,
					Status: wire.StatusRejected,
					Reason: wire.ReasonConflictOverwritten,
				})
			}
		}
		return results, nil
	}}
	d, l := newTestDispatcher(t, sender, Config{})
	ctx := context.Background()

	op := queueCreate(t, l, registry.KindTimeEntry)
	require.NoError(t, d.RunCycle(ctx))

	n, err := l.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := l.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, op.OpID, dead[0].OpID)
	assert.Equal(t, wire.ReasonConflictOverwritten, dead[0].LastError)
}

func TestRunCycleTransportFailureRetriesAll(t *testing.T) {
	sender := &fakeSender{respond: func(wire.Batch) ([]wire.OpResult, error) {
		return nil, errors.New("connection refused")
	}}
	cfg := DefaultConfig()
	d, l := newTestDispatcher(t, sender, cfg)
	ctx := context.Background()

	queueCreate(t, l, registry.KindReceipt)
	queueCreate(t, l, registry.KindReceipt)

	base := time.Now()
	d.nowFunc = func() time.Time { return base }

	require.NoError(t, d.RunCycle(ctx))

	// Both ops stay pending but are not due until the backoff elapses.
	due, err := l.Drain(ctx, 10, base)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = l.Drain(ctx, 10, base.Add(cfg.BackoffBase).Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, due, 2)
	for _, op := range due {
		assert.Equal(t, 1, op.AttemptCount)
		assert.Equal(t, "connection refused", op.LastError)
	}
}

func TestBackoffDoesNotReorderSameEntityOps(t *testing.T) {
	var fail bool
	sender := &fakeSender{respond: func(batch wire.Batch) ([]wire.OpResult, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return allOK(batch)
	}}
	cfg := DefaultConfig()
	d, l := newTestDispatcher(t, sender, cfg)
	ctx := context.Background()

	now := time.Now()
	d.nowFunc = func() time.Time { return now }

	// The create fails transport and is backed off.
	create := queueCreate(t, l, registry.KindReceipt)
	now = time.Now()
	fail = true
	require.NoError(t, d.RunCycle(ctx))
	require.Len(t, sender.batches, 1)
	backedOffUntil := now.Add(cfg.BackoffBase)

	// An update for the same entity lands while the create waits. It must
	// not ship ahead of its create, even though it is due right now.
	update := oplog.Operation{
		OpID:       uuid.New(),
		Kind:       wire.OpUpdate,
		EntityKind: registry.KindReceipt,
		EntityID:   create.EntityID,
		Payload:    create.Payload,
	}
	require.NoError(t, l.Append(ctx, update))
	now = time.Now()

	fail = false
	require.NoError(t, d.RunCycle(ctx))
	assert.Len(t, sender.batches, 1, "nothing for this entity should ship before its create is due")

	// Past the backoff both go out in one batch, creation order intact.
	now = backedOffUntil.Add(time.Second)
	require.NoError(t, d.RunCycle(ctx))
	require.Len(t, sender.batches, 2)

	sent := sender.batches[1]["receipts"]
	require.Len(t, sent, 2)
	assert.Equal(t, create.OpID, sent[0].OpID)
	assert.Equal(t, update.OpID, sent[1].OpID)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeSender{}, Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	})

	assert.Equal(t, 2*time.Second, d.backoff(0))
	assert.Equal(t, 4*time.Second, d.backoff(1))
	assert.Equal(t, 8*time.Second, d.backoff(2))
	assert.Equal(t, 256*time.Second, d.backoff(7))
	assert.Equal(t, 5*time.Minute, d.backoff(10))
	assert.Equal(t, 5*time.Minute, d.backoff(100))
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	sender := &fakeSender{respond: func(wire.Batch) ([]wire.OpResult, error) {
		return nil, errors.New("server unreachable")
	}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	d, l := newTestDispatcher(t, sender, cfg)
	ctx := context.Background()

	op := queueCreate(t, l, registry.KindDailyNote)

	// Advance the clock past every backoff so the op is always due.
	now := time.Now()
	d.nowFunc = func() time.Time {
		now = now.Add(time.Hour)
		return now
	}

	for i := 0; i < cfg.MaxAttempts; i++ {
		require.NoError(t, d.RunCycle(ctx))
	}

	dead, err := l.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, op.OpID, dead[0].OpID)
	assert.Contains(t, dead[0].LastError, "gave up after 3 attempts")

	// Nothing left to send.
	require.NoError(t, d.RunCycle(ctx))
	assert.Len(t, sender.batches, cfg.MaxAttempts)
}

func TestServerErrorResultIsTransient(t *testing.T) {
	sender := &fakeSender{respond: func(batch wire.Batch) ([]wire.OpResult, error) {
		var results []wire.OpResult
		for _, ops := range batch {
			for _, op := range ops {
				results = append(results, wire.OpResult{
					OpID:   op.OpID,
					Status: wire.StatusError,
					Reason: "storage fault",
				})
			}
		}
		return results, nil
	}}
	d, l := newTestDispatcher(t, sender, Config{})
	ctx := context.Background()

	queueCreate(t, l, registry.KindReceipt)
	require.NoError(t, d.RunCycle(ctx))

	n, err := l.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	dead, err := l.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestMissingResultIsTransient(t *testing.T) {
	sender := &fakeSender{respond: func(wire.Batch) ([]wire.OpResult, error) {
		// Server answered 200 but dropped the op from the result list.
		return []wire.OpResult{}, nil
	}}
	d, l := newTestDispatcher(t, sender, Config{})
	ctx := context.Background()

	queueCreate(t, l, registry.KindReceipt)
	require.NoError(t, d.RunCycle(ctx))

	n, err := l.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sender := &fakeSender{respond: allOK}
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	d, l := newTestDispatcher(t, sender, cfg)

	queueCreate(t, l, registry.KindReceipt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// Give it a few cycles, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	assert.NotEmpty(t, sender.batches)
}

func TestNewFillsZeroConfigFromDefaults(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeSender{}, Config{})
	def := DefaultConfig()

	assert.Equal(t, def.Interval, d.cfg.Interval)
	assert.Equal(t, def.SendTimeout, d.cfg.SendTimeout)
	assert.Equal(t, def.MaxBatch, d.cfg.MaxBatch)
	assert.Equal(t, def.MaxAttempts, d.cfg.MaxAttempts)
	assert.Equal(t, def.BackoffBase, d.cfg.BackoffBase)
	assert.Equal(t, def.BackoffCap, d.cfg.BackoffCap)
}
