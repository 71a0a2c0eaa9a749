package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SyncRecord is implemented by every entity kind that flows through the
// sync pipeline. IDs are generated client-side before the first write and
// never change — that is what makes the server-side upsert idempotent.
// UpdatedAt is client-authored and is the last-write-wins tie-breaker, so
// gorm's automatic timestamping is disabled on it.
type SyncRecord interface {
	RecordID() uuid.UUID
	Owner() uuid.UUID
	EntryDate() time.Time
	LastModified() time.Time
}

// MileageEntry represents one trip logged by an employee
type MileageEntry struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	EmployeeID uuid.UUID       `gorm:"type:uuid;not null;index:idx_mileage_owner_date" json:"employee_id"`
	Date       time.Time       `gorm:"not null;index:idx_mileage_owner_date" json:"date"`
	DistanceKm decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"distance_km"`
	RatePerKm  decimal.Decimal `gorm:"type:decimal(10,4);not null;default:0" json:"rate_per_km"`
	FromPlace  string          `gorm:"type:varchar(255)" json:"from_place"`
	ToPlace    string          `gorm:"type:varchar(255)" json:"to_place"`
	CostCenter string          `gorm:"type:varchar(50);index" json:"cost_center"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime:false" json:"updated_at"`
	CreatedAt  time.Time       `json:"created_at"`
	DeletedAt  gorm.DeletedAt  `gorm:"index" json:"-"`
}

// Receipt represents a scanned/photographed purchase receipt
type Receipt struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	EmployeeID uuid.UUID       `gorm:"type:uuid;not null;index:idx_receipt_owner_date" json:"employee_id"`
	Date       time.Time       `gorm:"not null;index:idx_receipt_owner_date" json:"date"`
	Amount     decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	Currency   string          `gorm:"type:varchar(10);not null;default:'EUR'" json:"currency"`
	Vendor     string          `gorm:"type:varchar(255)" json:"vendor"`
	Category   string          `gorm:"type:varchar(50)" json:"category"`
	CostCenter string          `gorm:"type:varchar(50);index" json:"cost_center"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime:false" json:"updated_at"`
	CreatedAt  time.Time       `json:"created_at"`
	DeletedAt  gorm.DeletedAt  `gorm:"index" json:"-"`
}

// TimeEntry represents hours worked on one day, optionally tied to a project
type TimeEntry struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	EmployeeID uuid.UUID       `gorm:"type:uuid;not null;index:idx_time_owner_date" json:"employee_id"`
	Date       time.Time       `gorm:"not null;index:idx_time_owner_date" json:"date"`
	Hours      decimal.Decimal `gorm:"type:decimal(6,2);not null" json:"hours"`
	Project    string          `gorm:"type:varchar(100)" json:"project"`
	CostCenter string          `gorm:"type:varchar(50);index" json:"cost_center"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime:false" json:"updated_at"`
	CreatedAt  time.Time       `json:"created_at"`
	DeletedAt  gorm.DeletedAt  `gorm:"index" json:"-"`
}

// DailyNote is a free-text remark attached to one day
type DailyNote struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	EmployeeID uuid.UUID      `gorm:"type:uuid;not null;index:idx_note_owner_date" json:"employee_id"`
	Date       time.Time      `gorm:"not null;index:idx_note_owner_date" json:"date"`
	Body       string         `gorm:"type:text;not null" json:"body"`
	CostCenter string         `gorm:"type:varchar(50);index" json:"cost_center"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime:false" json:"updated_at"`
	CreatedAt  time.Time      `json:"created_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (m *MileageEntry) RecordID() uuid.UUID     { return m.ID }
func (m *MileageEntry) Owner() uuid.UUID        { return m.EmployeeID }
func (m *MileageEntry) EntryDate() time.Time    { return m.Date }
func (m *MileageEntry) LastModified() time.Time { return m.UpdatedAt }

func (r *Receipt) RecordID() uuid.UUID     { return r.ID }
func (r *Receipt) Owner() uuid.UUID        { return r.EmployeeID }
func (r *Receipt) EntryDate() time.Time    { return r.Date }
func (r *Receipt) LastModified() time.Time { return r.UpdatedAt }

func (t *TimeEntry) RecordID() uuid.UUID     { return t.ID }
func (t *TimeEntry) Owner() uuid.UUID        { return t.EmployeeID }
func (t *TimeEntry) EntryDate() time.Time    { return t.Date }
func (t *TimeEntry) LastModified() time.Time { return t.UpdatedAt }

func (n *DailyNote) RecordID() uuid.UUID     { return n.ID }
func (n *DailyNote) Owner() uuid.UUID        { return n.EmployeeID }
func (n *DailyNote) EntryDate() time.Time    { return n.Date }
func (n *DailyNote) LastModified() time.Time { return n.UpdatedAt }

// PeriodOf returns the reporting period key ("YYYY-MM") an entry date falls into
func PeriodOf(date time.Time) string {
	return date.UTC().Format("2006-01")
}
