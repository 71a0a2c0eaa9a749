package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"backend/internal/model"
	"backend/internal/registry"
	"backend/internal/wire"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Notifier fans report state changes out to connected viewers. Best-effort:
// implementations must never block the caller or fail the transaction.
type Notifier interface {
	ReportUpdated(reportID uuid.UUID, status string)
}

// NoopNotifier satisfies Notifier without doing anything
type NoopNotifier struct{}

func (NoopNotifier) ReportUpdated(uuid.UUID, string) {}

// SyncService is the reconciliation endpoint: it applies a batch of queued
// client mutations as idempotent upserts and answers with one explicit
// outcome per operation — never an aggregate boolean that could mask a
// partial failure.
type SyncService interface {
	ApplyBatch(ctx context.Context, batch wire.Batch) ([]wire.OpResult, error)
}

type syncService struct {
	db       *gorm.DB
	notifier Notifier
}

// NewSyncService returns a SyncService backed by the durable store
func NewSyncService(db *gorm.DB, notifier Notifier) SyncService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &syncService{db: db, notifier: notifier}
}

// ownerPeriod identifies one employee's reporting period touched by a batch
type ownerPeriod struct {
	EmployeeID uuid.UUID
	Period     string
}

// reportChange captures a totals recomputation that altered a report
type reportChange struct {
	ReportID uuid.UUID
	Status   string
}

// ApplyBatch applies every operation in the batch inside one transaction.
//
// An unknown top-level collection name fails the whole request before
// anything is applied — that is the server-side half of refusing derived
// wire names. Per-operation validation failures and lost last-write-wins
// races produce `rejected` outcomes; a storage fault rolls the transaction
// back and the caller maps it to transient `error` outcomes so the client
// retries the full batch.
func (s *syncService) ApplyBatch(ctx context.Context, batch wire.Batch) ([]wire.OpResult, error) {
	// Resolve every key first; nothing is applied when any key is unknown.
	wireNames := make([]string, 0, len(batch))
	kinds := make(map[string]registry.EntityKind, len(batch))
	for name := range batch {
		kind, err := registry.KindForWire(name)
		if err != nil {
			return nil, err
		}
		kinds[name] = kind
		wireNames = append(wireNames, name)
	}
	sort.Strings(wireNames)

	results := make([]wire.OpResult, 0)
	affected := make(map[ownerPeriod]struct{})
	var changes []reportChange

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range wireNames {
			// Operations within a collection keep their queue order; later
			// ops for the same entity id depend on earlier ones.
			for _, op := range batch[name] {
				res, touched, err := s.applyOperation(tx, kinds[name], op)
				if err != nil {
					return err
				}
				results = append(results, res)
				for _, t := range touched {
					affected[t] = struct{}{}
				}
			}
		}

		// Recompute every touched aggregate inside the same transaction the
		// upserts ran in. Totals are a pure function of the stored entities;
		// a client-submitted total is never trusted.
		for op := range affected {
			change, changed, err := s.recomputeTotals(tx, op.EmployeeID, op.Period)
			if err != nil {
				return fmt.Errorf("failed to recompute totals for %s/%s: %w", op.EmployeeID, op.Period, err)
			}
			if changed {
				changes = append(changes, change)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// Notify only after commit so viewers never observe rolled-back state.
	for _, change := range changes {
		s.notifier.ReportUpdated(change.ReportID, change.Status)
	}

	return results, nil
}

// applyOperation upserts or deletes a single entity. The returned error is
// reserved for storage faults; everything the client did wrong comes back as
// a rejected result instead.
func (s *syncService) applyOperation(tx *gorm.DB, kind registry.EntityKind, op wire.Operation) (wire.OpResult, []ownerPeriod, error) {
	if op.OpID == uuid.Nil {
		return rejected(op, "validation: op_id must be a non-nil uuid"), nil, nil
	}
	if op.EntityID == uuid.Nil {
		return rejected(op, "validation: entity_id must be a non-nil uuid"), nil, nil
	}

	switch op.Kind {
	case wire.OpCreate, wire.OpUpdate:
		return s.applyUpsert(tx, kind, op)
	case wire.OpDelete:
		return s.applyDelete(tx, kind, op)
	default:
		return rejected(op, fmt.Sprintf("validation: unknown operation kind %q", op.Kind)), nil, nil
	}
}

func (s *syncService) applyUpsert(tx *gorm.DB, kind registry.EntityKind, op wire.Operation) (wire.OpResult, []ownerPeriod, error) {
	incoming, err := registry.Decode(kind, op.Payload)
	if err != nil {
		return rejected(op, "validation: "+err.Error()), nil, nil
	}
	if incoming.RecordID() != op.EntityID {
		return rejected(op, "validation: payload id does not match entity_id"), nil, nil
	}

	incomingPeriod := ownerPeriod{incoming.Owner(), model.PeriodOf(incoming.EntryDate())}
	if locked, err := s.periodLocked(tx, incomingPeriod); err != nil {
		return wire.OpResult{}, nil, err
	} else if locked {
		return rejected(op, wire.ReasonReportLocked), nil, nil
	}

	// Lock the row (if any) so two concurrent updates to the same entity id
	// serialize, with the later updated_at winning.
	existing, err := registry.NewRecord(kind)
	if err != nil {
		return wire.OpResult{}, nil, err
	}
	lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Unscoped().
		First(existing, "id = ?", op.EntityID).Error

	if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		if err := tx.Create(incoming).Error; err != nil {
			return wire.OpResult{}, nil, fmt.Errorf("failed to insert %s %s: %w", kind, op.EntityID, err)
		}
		return ok(op), []ownerPeriod{incomingPeriod}, nil
	}
	if lookupErr != nil {
		return wire.OpResult{}, nil, fmt.Errorf("failed to load %s %s: %w", kind, op.EntityID, lookupErr)
	}

	if staleWrite(incoming, existing) {
		return rejected(op, wire.ReasonConflictOverwritten), nil, nil
	}

	touched := []ownerPeriod{incomingPeriod}
	existingPeriod := ownerPeriod{existing.Owner(), model.PeriodOf(existing.EntryDate())}
	if existingPeriod != incomingPeriod {
		// Entity moved between periods — both aggregates need recomputing,
		// and the origin period must be editable too.
		if locked, err := s.periodLocked(tx, existingPeriod); err != nil {
			return wire.OpResult{}, nil, err
		} else if locked {
			return rejected(op, wire.ReasonReportLocked), nil, nil
		}
		touched = append(touched, existingPeriod)
	}

	// Save replaces every field, restoring a soft-deleted row when a newer
	// create/update arrives after a delete.
	if err := tx.Unscoped().Save(incoming).Error; err != nil {
		return wire.OpResult{}, nil, fmt.Errorf("failed to upsert %s %s: %w", kind, op.EntityID, err)
	}

	return ok(op), touched, nil
}

func (s *syncService) applyDelete(tx *gorm.DB, kind registry.EntityKind, op wire.Operation) (wire.OpResult, []ownerPeriod, error) {
	existing, err := registry.NewRecord(kind)
	if err != nil {
		return wire.OpResult{}, nil, err
	}

	lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Unscoped().
		First(existing, "id = ?", op.EntityID).Error
	if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		// Deleting something that never existed (or was purged) is a no-op.
		return ok(op), nil, nil
	}
	if lookupErr != nil {
		return wire.OpResult{}, nil, fmt.Errorf("failed to load %s %s: %w", kind, op.EntityID, lookupErr)
	}

	period := ownerPeriod{existing.Owner(), model.PeriodOf(existing.EntryDate())}

	// Already soft-deleted: replaying the delete is ok, not an error.
	if deleted, err := isSoftDeleted(tx, existing, op.EntityID); err != nil {
		return wire.OpResult{}, nil, err
	} else if deleted {
		return ok(op), nil, nil
	}

	if locked, err := s.periodLocked(tx, period); err != nil {
		return wire.OpResult{}, nil, err
	} else if locked {
		return rejected(op, wire.ReasonReportLocked), nil, nil
	}

	if err := tx.Delete(existing, "id = ?", op.EntityID).Error; err != nil {
		return wire.OpResult{}, nil, fmt.Errorf("failed to delete %s %s: %w", kind, op.EntityID, err)
	}

	return ok(op), []ownerPeriod{period}, nil
}

// isSoftDeleted checks whether the row is invisible to scoped queries
func isSoftDeleted(tx *gorm.DB, rec model.SyncRecord, id uuid.UUID) (bool, error) {
	var count int64
	if err := tx.Model(rec).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check delete state: %w", err)
	}
	return count == 0, nil
}

// periodLocked reports whether the period's report is beyond draft editing.
// A missing report means the period is still open — it will be created as a
// draft by the totals recomputation.
func (s *syncService) periodLocked(tx *gorm.DB, op ownerPeriod) (bool, error) {
	var report model.PeriodReport
	err := tx.Where("employee_id = ? AND period = ?", op.EmployeeID, op.Period).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load period report: %w", err)
	}
	return !report.Editable(), nil
}

// staleWrite decides the whole-entity last-write-wins race on the
// client-authored updated_at: only a strictly older incoming record loses.
// An equal timestamp is an idempotent replay of an already-applied op and
// must apply cleanly; the loser is told so it can refresh and reapply if
// still relevant.
func staleWrite(incoming, existing model.SyncRecord) bool {
	return incoming.LastModified().Before(existing.LastModified())
}

// periodTotals is the aggregate re-derived from the entity tables. It is a
// pure function of the stored rows, so recomputing after any sequence of
// applied operations gives the same result regardless of arrival order.
type periodTotals struct {
	MileageKm decimal.Decimal
	Receipts  decimal.Decimal
	Hours     decimal.Decimal
	Entries   int
}

// matches reports whether the stored report already carries these totals
func (t periodTotals) matches(r *model.PeriodReport) bool {
	return r.TotalMileageKm.Equal(t.MileageKm) &&
		r.TotalReceipts.Equal(t.Receipts) &&
		r.TotalHours.Equal(t.Hours) &&
		r.EntryCount == t.Entries
}

// totalsAudit builds the audit row for a totals recomputation. The actor is
// nil: the system derived the numbers, no employee did.
func totalsAudit(reportID uuid.UUID, status string, t periodTotals) model.AuditEntry {
	return model.AuditEntry{
		ReportID:   reportID,
		Action:     model.ActionRecomputeTotals,
		FromStatus: status,
		ToStatus:   status,
		Reason: fmt.Sprintf("entries %d, mileage %s km, receipts %s, hours %s",
			t.Entries, t.MileageKm.StringFixed(2), t.Receipts.StringFixed(4), t.Hours.StringFixed(2)),
	}
}

// periodBounds converts a "YYYY-MM" period key to its [start, end) range
func periodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q: %w", period, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// recomputeTotals re-derives a report's totals from the entity tables and
// persists them. Runs under a per-employee-period advisory lock so two
// concurrent reconciliations touching the same aggregate serialize.
func (s *syncService) recomputeTotals(tx *gorm.DB, employeeID uuid.UUID, period string) (reportChange, bool, error) {
	tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", employeeID.String()+":"+period)

	start, end, err := periodBounds(period)
	if err != nil {
		return reportChange{}, false, err
	}

	scope := func(m interface{}) *gorm.DB {
		return tx.Model(m).Where("employee_id = ? AND date >= ? AND date < ?", employeeID, start, end)
	}

	var totals periodTotals
	if err := scope(&model.MileageEntry{}).Select("COALESCE(SUM(distance_km), 0)").Scan(&totals.MileageKm).Error; err != nil {
		return reportChange{}, false, fmt.Errorf("failed to sum mileage: %w", err)
	}
	if err := scope(&model.Receipt{}).Select("COALESCE(SUM(amount), 0)").Scan(&totals.Receipts).Error; err != nil {
		return reportChange{}, false, fmt.Errorf("failed to sum receipts: %w", err)
	}
	if err := scope(&model.TimeEntry{}).Select("COALESCE(SUM(hours), 0)").Scan(&totals.Hours).Error; err != nil {
		return reportChange{}, false, fmt.Errorf("failed to sum hours: %w", err)
	}

	for _, m := range []interface{}{&model.MileageEntry{}, &model.Receipt{}, &model.TimeEntry{}, &model.DailyNote{}} {
		var n int64
		if err := scope(m).Count(&n).Error; err != nil {
			return reportChange{}, false, fmt.Errorf("failed to count entries: %w", err)
		}
		totals.Entries += int(n)
	}

	var report model.PeriodReport
	err = tx.Where("employee_id = ? AND period = ?", employeeID, period).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		report = model.PeriodReport{
			EmployeeID:     employeeID,
			Period:         period,
			Status:         model.ReportStatusDraft,
			TotalMileageKm: totals.MileageKm,
			TotalReceipts:  totals.Receipts,
			TotalHours:     totals.Hours,
			EntryCount:     totals.Entries,
		}
		if err := tx.Create(&report).Error; err != nil {
			return reportChange{}, false, fmt.Errorf("failed to create period report: %w", err)
		}
		audit := totalsAudit(report.ID, report.Status, totals)
		if err := tx.Create(&audit).Error; err != nil {
			return reportChange{}, false, fmt.Errorf("failed to write audit log: %w", err)
		}
		return reportChange{ReportID: report.ID, Status: report.Status}, true, nil
	}
	if err != nil {
		return reportChange{}, false, fmt.Errorf("failed to load period report: %w", err)
	}

	if totals.matches(&report) {
		return reportChange{}, false, nil
	}

	updates := map[string]interface{}{
		"total_mileage_km": totals.MileageKm,
		"total_receipts":   totals.Receipts,
		"total_hours":      totals.Hours,
		"entry_count":      totals.Entries,
	}
	if err := tx.Model(&report).Updates(updates).Error; err != nil {
		return reportChange{}, false, fmt.Errorf("failed to update period report totals: %w", err)
	}

	audit := totalsAudit(report.ID, report.Status, totals)
	if err := tx.Create(&audit).Error; err != nil {
		return reportChange{}, false, fmt.Errorf("failed to write audit log: %w", err)
	}

	return reportChange{ReportID: report.ID, Status: report.Status}, true, nil
}

func ok(op wire.Operation) wire.OpResult {
	return wire.OpResult{OpID: op.OpID, Status: wire.StatusOK}
}

func rejected(op wire.Operation, reason string) wire.OpResult {
	return wire.OpResult{OpID: op.OpID, Status: wire.StatusRejected, Reason: reason}
}
