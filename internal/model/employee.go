package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Employee role enum constants
const (
	RoleEmployee   = "employee"
	RoleSupervisor = "supervisor"
	RoleFinance    = "finance"
	RoleAdmin      = "admin"
)

// Employee represents a person who records entries and/or reviews reports.
// SupervisorID and FinanceApproverID are the assigned reviewers for this
// employee's period reports; both are set by an admin.
type Employee struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Username          string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	FullName          string         `gorm:"type:varchar(255);not null" json:"full_name"`
	Password          string         `gorm:"type:varchar(255);not null" json:"-"` // bcrypt hash, omitted from JSON
	Role              string         `gorm:"type:varchar(50);not null;default:'employee'" json:"role"`
	CostCenter        string         `gorm:"type:varchar(50);index" json:"cost_center"`
	SupervisorID      *uuid.UUID     `gorm:"type:uuid;index" json:"supervisor_id"`
	FinanceApproverID *uuid.UUID     `gorm:"type:uuid;index" json:"finance_approver_id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

// ValidRole reports whether role is one of the known role constants
func ValidRole(role string) bool {
	switch role {
	case RoleEmployee, RoleSupervisor, RoleFinance, RoleAdmin:
		return true
	}
	return false
}
