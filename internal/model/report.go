package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PeriodReport status enum constants. SUBMITTED is the instant between the
// employee handing the report over and it landing in the supervisor's queue;
// a submit crosses both states in one transaction, so the report is never
// observed at rest in SUBMITTED, but both hops are audited.
const (
	ReportStatusDraft             = "DRAFT"
	ReportStatusSubmitted         = "SUBMITTED"
	ReportStatusPendingSupervisor = "PENDING_SUPERVISOR"
	ReportStatusPendingFinance    = "PENDING_FINANCE"
	ReportStatusApproved          = "APPROVED"
	ReportStatusRejected          = "REJECTED"
	ReportStatusNeedsRevision     = "NEEDS_REVISION"
)

// ApprovalStep stage enum constants
const (
	StageSupervisorReview = "SUPERVISOR_REVIEW"
	StageFinanceReview    = "FINANCE_REVIEW"
)

// ApprovalStep decision enum constants
const (
	DecisionPending           = "PENDING"
	DecisionApproved          = "APPROVED"
	DecisionRejected          = "REJECTED"
	DecisionRevisionRequested = "REVISION_REQUESTED"
)

// Audit actions for the report lifecycle
const (
	ActionSubmitReport    = "SUBMIT_REPORT"
	ActionRouteReport     = "ROUTE_TO_SUPERVISOR"
	ActionApproveReport   = "APPROVE_REPORT"
	ActionRejectReport    = "REJECT_REPORT"
	ActionRequestRevision = "REQUEST_REVISION"
	ActionDelegateStep    = "DELEGATE_STEP"
	ActionRecomputeTotals = "RECOMPUTE_TOTALS"
)

// PeriodReport aggregates one employee's entries for one reporting period
// ("YYYY-MM"). Totals are derived from the entity tables on every successful
// reconciliation — they are never taken from a client and never mutated
// independently.
type PeriodReport struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	EmployeeID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_report_employee_period" json:"employee_id"`
	Employee   *Employee `gorm:"foreignKey:EmployeeID" json:"employee,omitempty"`
	Period     string    `gorm:"type:varchar(7);not null;uniqueIndex:idx_report_employee_period" json:"period"`
	Status     string    `gorm:"type:varchar(20);not null;default:'DRAFT';index" json:"status"`

	TotalMileageKm decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_mileage_km"`
	TotalReceipts  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"total_receipts"`
	TotalHours     decimal.Decimal `gorm:"type:decimal(8,2);not null;default:0" json:"total_hours"`
	EntryCount     int             `gorm:"not null;default:0" json:"entry_count"`

	Steps    []ApprovalStep `gorm:"foreignKey:ReportID" json:"approval_steps,omitempty"`
	AuditLog []AuditEntry   `gorm:"foreignKey:ReportID" json:"audit_log,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalStep is one reviewer stage within a report's lifecycle. Steps are
// never deleted: a revision loop leaves the resolved step in place and a
// resubmit creates a fresh one.
type ApprovalStep struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ReportID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"report_id"`
	Stage      string     `gorm:"type:varchar(30);not null" json:"stage"` // SUPERVISOR_REVIEW, FINANCE_REVIEW
	ApproverID uuid.UUID  `gorm:"type:uuid;not null;index" json:"approver_id"`
	Approver   *Employee  `gorm:"foreignKey:ApproverID" json:"approver,omitempty"`
	Decision   string     `gorm:"type:varchar(30);not null;default:'PENDING'" json:"decision"`
	DecidedAt  *time.Time `json:"decided_at"`
	Comment    string     `gorm:"type:text" json:"comment"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditEntry is an append-only record of one lifecycle transition. Rows are
// never updated or deleted.
type AuditEntry struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ReportID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"report_id"`
	ActorID    *uuid.UUID `gorm:"type:uuid;index" json:"actor_id"` // nil when the system itself acts
	Actor      *Employee  `gorm:"foreignKey:ActorID" json:"actor,omitempty"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	FromStatus string     `gorm:"type:varchar(20);not null" json:"from_status"`
	ToStatus   string     `gorm:"type:varchar(20);not null" json:"to_status"`
	Reason     string     `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}

// PendingStep returns the unresolved step for the given stage, or nil
func (r *PeriodReport) PendingStep(stage string) *ApprovalStep {
	for i := range r.Steps {
		if r.Steps[i].Stage == stage && r.Steps[i].Decision == DecisionPending {
			return &r.Steps[i]
		}
	}
	return nil
}

// Editable reports accept entity mutations from the sync pipeline; once a
// report is under review its totals are frozen for the approvers.
func (r *PeriodReport) Editable() bool {
	return r.Status == ReportStatusDraft || r.Status == ReportStatusNeedsRevision
}
