package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Actor-permission errors, mapped to 403 by handlers
var (
	ErrNotReportOwner      = errors.New("only the owning employee may submit this report")
	ErrNotAssignedApprover = errors.New("actor is not the assigned approver for this stage")
	ErrReportNotFound      = errors.New("report not found")
)

// --- DTOs ---

type DecideRequestDTO struct {
	Stage    string `json:"stage" binding:"required,oneof=SUPERVISOR_REVIEW FINANCE_REVIEW"`
	Decision string `json:"decision" binding:"required,oneof=APPROVED REJECTED REVISION_REQUESTED"`
	Comment  string `json:"comment"`
}

type DelegateRequestDTO struct {
	Stage      string `json:"stage" binding:"required,oneof=SUPERVISOR_REVIEW FINANCE_REVIEW"`
	ToApprover string `json:"to_approver" binding:"required"`
}

type ReportFilter struct {
	Status     string // report status or empty for all
	ApproverID string // only reports with a pending step assigned to this approver
	Page       int
	Limit      int
}

type ApprovalStepResponse struct {
	ID           string  `json:"id"`
	Stage        string  `json:"stage"`
	ApproverID   string  `json:"approver_id"`
	ApproverName string  `json:"approver_name,omitempty"`
	Decision     string  `json:"decision"`
	DecidedAt    *string `json:"decided_at"`
	Comment      string  `json:"comment,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type AuditEntryResponse struct {
	ID         string  `json:"id"`
	ActorID    *string `json:"actor_id"`
	ActorName  string  `json:"actor_name,omitempty"`
	Action     string  `json:"action"`
	FromStatus string  `json:"from_status"`
	ToStatus   string  `json:"to_status"`
	Reason     string  `json:"reason,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type ReportResponse struct {
	ID             string                 `json:"id"`
	EmployeeID     string                 `json:"employee_id"`
	EmployeeName   string                 `json:"employee_name,omitempty"`
	Period         string                 `json:"period"`
	Status         string                 `json:"status"`
	TotalMileageKm string                 `json:"total_mileage_km"`
	TotalReceipts  string                 `json:"total_receipts"`
	TotalHours     string                 `json:"total_hours"`
	EntryCount     int                    `json:"entry_count"`
	ApprovalSteps  []ApprovalStepResponse `json:"approval_steps"`
	AuditLog       []AuditEntryResponse   `json:"audit_log,omitempty"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at"`
}

// ReportService is the approval state machine operating on reconciled data.
// Every legal transition appends exactly one immutable audit entry inside
// the same transaction that moves the status.
type ReportService interface {
	Submit(ctx context.Context, reportID string, actorID string) (ReportResponse, error)
	Decide(ctx context.Context, reportID string, actorID string, req DecideRequestDTO) (ReportResponse, error)
	Delegate(ctx context.Context, reportID string, actorID string, req DelegateRequestDTO) (ReportResponse, error)
	GetByEmployeePeriod(ctx context.Context, employeeID, period, actorID, actorRole string) (ReportResponse, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]ReportResponse, int64, error)
}

type reportService struct {
	db       *gorm.DB
	notifier Notifier
}

// NewReportService returns a ReportService backed by the durable store
func NewReportService(db *gorm.DB, notifier Notifier) ReportService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &reportService{db: db, notifier: notifier}
}

// --- Implementation ---

func (s *reportService) Submit(ctx context.Context, reportID string, actorID string) (ReportResponse, error) {
	id, err := uuid.Parse(reportID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid report id: %w", err)
	}
	actor, err := uuid.Parse(actorID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid actor id: %w", err)
	}

	var report model.PeriodReport
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockReport(tx, id, &report); err != nil {
			return err
		}

		if report.EmployeeID != actor {
			return ErrNotReportOwner
		}
		hops, err := model.SubmitHops(report.Status)
		if err != nil {
			return err
		}

		var owner model.Employee
		if err := tx.First(&owner, "id = ?", report.EmployeeID).Error; err != nil {
			return fmt.Errorf("report owner not found: %w", err)
		}
		if owner.SupervisorID == nil {
			return fmt.Errorf("no supervisor assigned to employee %s", owner.Username)
		}

		// A resubmit after a revision request gets a fresh step; resolved
		// steps stay in history untouched.
		step := model.ApprovalStep{
			ReportID:   report.ID,
			Stage:      model.StageSupervisorReview,
			ApproverID: *owner.SupervisorID,
			Decision:   model.DecisionPending,
		}
		if err := tx.Create(&step).Error; err != nil {
			return fmt.Errorf("failed to create supervisor review step: %w", err)
		}

		// Both hops land in this transaction, each with its own audit row,
		// so the trail shows the hand-over and the routing separately.
		for _, hop := range hops {
			if err := s.transition(tx, &report, &actor, hop.Action, hop.To, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReportResponse{}, err
	}

	s.notifier.ReportUpdated(report.ID, report.Status)
	return s.reload(ctx, report.ID, true)
}

func (s *reportService) Decide(ctx context.Context, reportID string, actorID string, req DecideRequestDTO) (ReportResponse, error) {
	id, err := uuid.Parse(reportID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid report id: %w", err)
	}
	actor, err := uuid.Parse(actorID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid actor id: %w", err)
	}

	pendingStatus, err := model.PendingStatusForStage(req.Stage)
	if err != nil {
		return ReportResponse{}, err
	}
	toStatus, reasonRequired, err := model.DecisionOutcome(req.Stage, req.Decision)
	if err != nil {
		return ReportResponse{}, err
	}
	if reasonRequired && req.Comment == "" {
		return ReportResponse{}, model.ErrReasonRequired
	}

	var report model.PeriodReport
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockReport(tx, id, &report); err != nil {
			return err
		}
		if report.Status != pendingStatus {
			return fmt.Errorf("%w: report is %s, not %s", model.ErrIllegalTransition, report.Status, pendingStatus)
		}

		if err := tx.Where("report_id = ?", report.ID).Order("created_at ASC").Find(&report.Steps).Error; err != nil {
			return fmt.Errorf("failed to load approval steps: %w", err)
		}

		step := report.PendingStep(req.Stage)
		if step == nil {
			return fmt.Errorf("%w: no pending %s step", model.ErrIllegalTransition, req.Stage)
		}
		if step.ApproverID != actor {
			return ErrNotAssignedApprover
		}

		now := time.Now()
		step.Decision = req.Decision
		step.DecidedAt = &now
		step.Comment = req.Comment
		if err := tx.Save(step).Error; err != nil {
			return fmt.Errorf("failed to record decision: %w", err)
		}

		// Supervisor approval opens the finance stage; the finance step is
		// only created once the supervisor stage has resolved.
		if req.Stage == model.StageSupervisorReview && req.Decision == model.DecisionApproved {
			var owner model.Employee
			if err := tx.First(&owner, "id = ?", report.EmployeeID).Error; err != nil {
				return fmt.Errorf("report owner not found: %w", err)
			}
			if owner.FinanceApproverID == nil {
				return fmt.Errorf("no finance approver assigned to employee %s", owner.Username)
			}
			finStep := model.ApprovalStep{
				ReportID:   report.ID,
				Stage:      model.StageFinanceReview,
				ApproverID: *owner.FinanceApproverID,
				Decision:   model.DecisionPending,
			}
			if err := tx.Create(&finStep).Error; err != nil {
				return fmt.Errorf("failed to create finance review step: %w", err)
			}
		}

		return s.transition(tx, &report, &actor, model.AuditActionForDecision(req.Decision), toStatus, req.Comment)
	})
	if err != nil {
		return ReportResponse{}, err
	}

	s.notifier.ReportUpdated(report.ID, report.Status)
	return s.reload(ctx, report.ID, true)
}

func (s *reportService) Delegate(ctx context.Context, reportID string, actorID string, req DelegateRequestDTO) (ReportResponse, error) {
	id, err := uuid.Parse(reportID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid report id: %w", err)
	}
	from, err := uuid.Parse(actorID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid actor id: %w", err)
	}
	to, err := uuid.Parse(req.ToApprover)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid target approver id: %w", err)
	}

	var report model.PeriodReport
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockReport(tx, id, &report); err != nil {
			return err
		}

		pendingStatus, err := model.PendingStatusForStage(req.Stage)
		if err != nil {
			return err
		}
		if report.Status != pendingStatus {
			return fmt.Errorf("%w: %s stage is not pending", model.ErrIllegalTransition, req.Stage)
		}

		if err := tx.Where("report_id = ?", report.ID).Order("created_at ASC").Find(&report.Steps).Error; err != nil {
			return fmt.Errorf("failed to load approval steps: %w", err)
		}

		step := report.PendingStep(req.Stage)
		if step == nil {
			return fmt.Errorf("%w: no pending %s step", model.ErrIllegalTransition, req.Stage)
		}
		if step.ApproverID != from {
			return ErrNotAssignedApprover
		}

		var target model.Employee
		if err := tx.First(&target, "id = ?", to).Error; err != nil {
			return fmt.Errorf("target approver not found: %w", err)
		}

		if err := tx.Model(step).Update("approver_id", to).Error; err != nil {
			return fmt.Errorf("failed to reassign approver: %w", err)
		}

		// Status does not move on delegation; the audit entry records both
		// parties.
		reason := fmt.Sprintf("delegated %s from %s to %s", req.Stage, from, to)
		audit := model.AuditEntry{
			ReportID:   report.ID,
			ActorID:    &from,
			Action:     model.ActionDelegateStep,
			FromStatus: report.Status,
			ToStatus:   report.Status,
			Reason:     reason,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}

		return nil
	})
	if err != nil {
		return ReportResponse{}, err
	}

	return s.reload(ctx, report.ID, true)
}

func (s *reportService) GetByEmployeePeriod(ctx context.Context, employeeID, period, actorID, actorRole string) (ReportResponse, error) {
	owner, err := uuid.Parse(employeeID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid employee id: %w", err)
	}
	actor, err := uuid.Parse(actorID)
	if err != nil {
		return ReportResponse{}, fmt.Errorf("invalid actor id: %w", err)
	}

	var report model.PeriodReport
	err = s.db.WithContext(ctx).
		Preload("Employee").
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC").Preload("Approver") }).
		Preload("AuditLog", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC").Preload("Actor") }).
		Where("employee_id = ? AND period = ?", owner, period).
		First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReportResponse{}, ErrReportNotFound
	}
	if err != nil {
		return ReportResponse{}, fmt.Errorf("failed to load report: %w", err)
	}

	if !canViewReport(&report, actor, actorRole) {
		return ReportResponse{}, ErrNotAssignedApprover
	}

	return toReportResponse(report, true), nil
}

func (s *reportService) ListReports(ctx context.Context, filter ReportFilter) ([]ReportResponse, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.PeriodReport{})

	if filter.Status != "" {
		query = query.Where("period_reports.status = ?", filter.Status)
	}
	if filter.ApproverID != "" {
		approver, err := uuid.Parse(filter.ApproverID)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid approver id: %w", err)
		}
		query = query.Joins("JOIN approval_steps ON approval_steps.report_id = period_reports.id").
			Where("approval_steps.approver_id = ? AND approval_steps.decision = ?", approver, model.DecisionPending).
			Distinct()
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count reports: %w", err)
	}

	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	offset := (filter.Page - 1) * filter.Limit

	var reports []model.PeriodReport
	if err := query.
		Preload("Employee").
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Order("period_reports.period DESC, period_reports.created_at DESC").
		Offset(offset).
		Limit(filter.Limit).
		Find(&reports).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch reports: %w", err)
	}

	result := make([]ReportResponse, 0, len(reports))
	for _, r := range reports {
		result = append(result, toReportResponse(r, false))
	}

	return result, total, nil
}

// --- Helpers ---

// transition moves the report to toStatus and appends exactly one immutable
// audit entry inside the caller's transaction.
func (s *reportService) transition(tx *gorm.DB, report *model.PeriodReport, actor *uuid.UUID, action, toStatus, reason string) error {
	from := report.Status
	if err := tx.Model(report).Update("status", toStatus).Error; err != nil {
		return fmt.Errorf("failed to update report status: %w", err)
	}
	report.Status = toStatus

	audit := model.AuditEntry{
		ReportID:   report.ID,
		ActorID:    actor,
		Action:     action,
		FromStatus: from,
		ToStatus:   toStatus,
		Reason:     reason,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	return nil
}

func lockReport(tx *gorm.DB, id uuid.UUID, report *model.PeriodReport) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(report, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrReportNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load report: %w", err)
	}
	return nil
}

func canViewReport(report *model.PeriodReport, actor uuid.UUID, actorRole string) bool {
	if actorRole == model.RoleAdmin || report.EmployeeID == actor {
		return true
	}
	for _, step := range report.Steps {
		if step.ApproverID == actor {
			return true
		}
	}
	return false
}

func (s *reportService) reload(ctx context.Context, id uuid.UUID, includeAudit bool) (ReportResponse, error) {
	var report model.PeriodReport
	query := s.db.WithContext(ctx).
		Preload("Employee").
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC").Preload("Approver") })
	if includeAudit {
		query = query.Preload("AuditLog", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC").Preload("Actor") })
	}
	if err := query.First(&report, "id = ?", id).Error; err != nil {
		return ReportResponse{}, fmt.Errorf("failed to reload report: %w", err)
	}
	return toReportResponse(report, includeAudit), nil
}

func toReportResponse(r model.PeriodReport, includeAudit bool) ReportResponse {
	resp := ReportResponse{
		ID:             r.ID.String(),
		EmployeeID:     r.EmployeeID.String(),
		Period:         r.Period,
		Status:         r.Status,
		TotalMileageKm: r.TotalMileageKm.StringFixed(2),
		TotalReceipts:  r.TotalReceipts.StringFixed(4),
		TotalHours:     r.TotalHours.StringFixed(2),
		EntryCount:     r.EntryCount,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Employee != nil {
		resp.EmployeeName = r.Employee.FullName
	}

	resp.ApprovalSteps = make([]ApprovalStepResponse, 0, len(r.Steps))
	for _, step := range r.Steps {
		sr := ApprovalStepResponse{
			ID:         step.ID.String(),
			Stage:      step.Stage,
			ApproverID: step.ApproverID.String(),
			Decision:   step.Decision,
			Comment:    step.Comment,
			CreatedAt:  step.CreatedAt.Format(time.RFC3339),
		}
		if step.Approver != nil {
			sr.ApproverName = step.Approver.FullName
		}
		if step.DecidedAt != nil {
			decided := step.DecidedAt.Format(time.RFC3339)
			sr.DecidedAt = &decided
		}
		resp.ApprovalSteps = append(resp.ApprovalSteps, sr)
	}

	if includeAudit {
		resp.AuditLog = make([]AuditEntryResponse, 0, len(r.AuditLog))
		for _, entry := range r.AuditLog {
			ar := AuditEntryResponse{
				ID:         entry.ID.String(),
				Action:     entry.Action,
				FromStatus: entry.FromStatus,
				ToStatus:   entry.ToStatus,
				Reason:     entry.Reason,
				CreatedAt:  entry.CreatedAt.Format(time.RFC3339),
			}
			if entry.ActorID != nil {
				actor := entry.ActorID.String()
				ar.ActorID = &actor
			}
			if entry.Actor != nil {
				ar.ActorName = entry.Actor.FullName
			}
			resp.AuditLog = append(resp.AuditLog, ar)
		}
	}

	return resp
}
