// Package dispatcher drains the Local Operation Log on a fixed cadence and
// ships pending mutations to the reconciliation endpoint, keyed by canonical
// wire collection names from the registry — never a string derived from a
// type name. It owns retry, backoff and dead-lettering.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"backend/internal/client/oplog"
	"backend/internal/registry"
	"backend/internal/wire"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session carries the acting employee's identity into every cycle. It is
// passed in explicitly at construction — there is no ambient "current user".
type Session struct {
	EmployeeID uuid.UUID
	Token      string
}

// BatchSender delivers one batch to the server and returns per-operation
// outcomes. The network call behind it is the only thing in the client sync
// path allowed to block.
type BatchSender interface {
	SendBatch(ctx context.Context, session Session, batch wire.Batch) ([]wire.OpResult, error)
}

// Config tunes the dispatcher loop
type Config struct {
	Interval    time.Duration // cadence between cycles
	SendTimeout time.Duration // bound on one batch send
	MaxBatch    int           // max operations drained per cycle
	MaxAttempts int           // transient failures before dead-letter
	BackoffBase time.Duration // first retry delay, doubled per attempt
	BackoffCap  time.Duration // ceiling on the retry delay
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		SendTimeout: 30 * time.Second,
		MaxBatch:    100,
		MaxAttempts: 8,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	}
}

// Dispatcher runs on a single background timer per client process. One
// goroutine, cooperative: two concurrent drains can never race on the log.
type Dispatcher struct {
	log     *oplog.Log
	sender  BatchSender
	session Session
	cfg     Config
	logger  *logrus.Logger
	nowFunc func() time.Time // injectable for testing
}

// New builds a dispatcher; zero config fields fall back to defaults
func New(log *oplog.Log, sender BatchSender, session Session, cfg Config, logger *logrus.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Dispatcher{
		log:     log,
		sender:  sender,
		session: session,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Run loops until ctx is canceled. A cycle in flight when the context is
// torn down is abandoned safely: operations stay queued until a future
// cycle confirms them, so cancellation can never corrupt the log.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := d.RunCycle(ctx); err != nil {
			d.logger.WithError(err).Warn("sync cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.Interval):
		}
	}
}

// RunCycle performs one drain-send-settle pass. No-op when nothing is
// pending and due.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	now := d.nowFunc()

	ops, err := d.log.Drain(ctx, d.cfg.MaxBatch, now)
	if err != nil {
		return fmt.Errorf("dispatcher: drain: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	batch, err := buildBatch(ops)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	results, err := d.sender.SendBatch(sendCtx, d.session, batch)
	cancel()
	if err != nil {
		// Whole-batch transport failure (timeout, connectivity, refused
		// batch): every drained op takes a transient error and retries.
		d.logger.WithError(err).WithField("ops", len(ops)).Warn("batch send failed")
		for _, op := range ops {
			d.settleTransient(ctx, op, err.Error())
		}
		return nil
	}

	byID := make(map[uuid.UUID]wire.OpResult, len(results))
	for _, res := range results {
		byID[res.OpID] = res
	}

	for _, op := range ops {
		res, answered := byID[op.OpID]
		if !answered {
			// The server must answer every op; a hole in the result list is
			// treated as transient so the op is resent, which is safe
			// because the server applies it idempotently.
			d.settleTransient(ctx, op, "no result returned for operation")
			continue
		}

		switch res.Status {
		case wire.StatusOK:
			if err := d.log.Remove(ctx, op.OpID); err != nil {
				d.logger.WithError(err).WithField("op_id", op.OpID).Error("failed to remove confirmed operation")
			}
		case wire.StatusRejected:
			// Validation failures and lost conflicts will never succeed on
			// retry — surface them instead.
			d.logger.WithFields(logrus.Fields{
				"op_id":       op.OpID,
				"entity_kind": op.EntityKind,
				"entity_id":   op.EntityID,
				"reason":      res.Reason,
			}).Warn("operation rejected, moved to dead letters")
			if err := d.log.MarkDead(ctx, op.OpID, res.Reason); err != nil {
				d.logger.WithError(err).WithField("op_id", op.OpID).Error("failed to dead-letter operation")
			}
		case wire.StatusError:
			d.settleTransient(ctx, op, res.Reason)
		default:
			d.settleTransient(ctx, op, fmt.Sprintf("unknown result status %q", res.Status))
		}
	}

	return nil
}

// settleTransient either schedules a retry with exponential backoff or, once
// the attempt budget is spent, moves the op to the dead-letter set so it is
// surfaced as "needs attention" rather than silently dropped.
func (d *Dispatcher) settleTransient(ctx context.Context, op oplog.Operation, reason string) {
	attempts := op.AttemptCount + 1
	if attempts >= d.cfg.MaxAttempts {
		d.logger.WithFields(logrus.Fields{
			"op_id":    op.OpID,
			"attempts": attempts,
			"reason":   reason,
		}).Warn("operation exhausted retries, moved to dead letters")
		if err := d.log.MarkDead(ctx, op.OpID, fmt.Sprintf("gave up after %d attempts: %s", attempts, reason)); err != nil {
			d.logger.WithError(err).WithField("op_id", op.OpID).Error("failed to dead-letter operation")
		}
		return
	}

	next := d.nowFunc().Add(d.backoff(op.AttemptCount))
	if err := d.log.MarkFailed(ctx, op.OpID, reason, next); err != nil {
		d.logger.WithError(err).WithField("op_id", op.OpID).Error("failed to record transient failure")
	}
}

// backoff returns the delay before the next attempt: base doubled per prior
// attempt, capped.
func (d *Dispatcher) backoff(priorAttempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 0; i < priorAttempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	return delay
}

// buildBatch groups drained operations under their canonical wire collection
// names. Drain order is preserved within each group, so operations for the
// same entity id ship in creation order.
func buildBatch(ops []oplog.Operation) (wire.Batch, error) {
	batch := make(wire.Batch)
	for _, op := range ops {
		name, err := registry.WireName(op.EntityKind)
		if err != nil {
			// Cannot happen for ops that passed Append validation; a corrupt
			// row is a local defect, not something to send.
			return nil, fmt.Errorf("dispatcher: %w", err)
		}
		batch[name] = append(batch[name], op.WireOperation())
	}
	return batch, nil
}
