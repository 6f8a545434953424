// Package domain contains the clinical visit workflow models. Visit and
// order statuses are gated by billing events; only the status projector may
// advance them as a consequence of payment.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// VisitStatus is the top-level workflow state of a patient encounter.
type VisitStatus string

const (
	VisitStatusPendingPayment VisitStatus = "Pending Payment"
	VisitStatusInQueue        VisitStatus = "In Queue"
	VisitStatusInProgress     VisitStatus = "In-Progress"
	VisitStatusCompleted      VisitStatus = "completed"
)

// OrderStatus is the per-order payment gate. Orders created for uninsured
// patients start at Pending Payment; paying their invoice item advances them
// to Pending, which is the first actionable clinical state.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "Pending Payment"
	OrderStatusPending        OrderStatus = "Pending"
	OrderStatusInProgress     OrderStatus = "In Progress"
	OrderStatusCompleted      OrderStatus = "Completed"
	OrderStatusDispensed      OrderStatus = "Dispensed"
)

// Visit is one active patient encounter. At most one invoice references it.
type Visit struct {
	ID                  snowflake.ID  `gorm:"primaryKey"`
	PatientID           snowflake.ID  `gorm:"not null;index"`
	DoctorName          string        `gorm:"type:text"`
	Status              VisitStatus   `gorm:"type:text;not null;default:'Pending Payment'"`
	ConsultationFeePaid bool          `gorm:"not null;default:false"`
	InvoiceID           *snowflake.ID `gorm:"index"`
	CreatedAt           time.Time     `gorm:"not null"`
	UpdatedAt           time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (Visit) TableName() string { return "visits" }

// LabOrder is a single ordered laboratory test.
type LabOrder struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	VisitID   snowflake.ID `gorm:"not null;index"`
	TestName  string       `gorm:"type:text;not null"`
	Status    OrderStatus  `gorm:"type:text;not null"`
	Result    string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (LabOrder) TableName() string { return "lab_orders" }

// RadiologyOrder is a single ordered imaging study.
type RadiologyOrder struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	VisitID   snowflake.ID `gorm:"not null;index"`
	Study     string       `gorm:"type:text;not null"`
	Status    OrderStatus  `gorm:"type:text;not null"`
	Report    string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (RadiologyOrder) TableName() string { return "radiology_orders" }

// Prescription is a single prescribed medication awaiting dispensing.
type Prescription struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	VisitID    snowflake.ID `gorm:"not null;index"`
	Medication string       `gorm:"type:text;not null"`
	Dosage     string       `gorm:"type:text"`
	Quantity   int64        `gorm:"not null;default:1"`
	Status     OrderStatus  `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"not null"`
	UpdatedAt  time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Prescription) TableName() string { return "prescriptions" }
