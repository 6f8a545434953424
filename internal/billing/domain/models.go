// Package domain contains the invoice aggregate and its settlement rules.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states. Status is always derived
// from the items/payments snapshot by Settle, never set independently.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPartial   InvoiceStatus = "partial"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
	InvoiceStatusRefunded  InvoiceStatus = "refunded"
)

// ItemType classifies a billable line.
type ItemType string

const (
	ItemTypeConsultation ItemType = "consultation"
	ItemTypeProcedure    ItemType = "procedure"
	ItemTypeMedication   ItemType = "medication"
	ItemTypeLabTest      ItemType = "lab_test"
	ItemTypeImaging      ItemType = "imaging"
	ItemTypeRoomCharge   ItemType = "room_charge"
	ItemTypeEquipment    ItemType = "equipment"
	ItemTypeOther        ItemType = "other"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeConsultation, ItemTypeProcedure, ItemTypeMedication,
		ItemTypeLabTest, ItemTypeImaging, ItemTypeRoomCharge,
		ItemTypeEquipment, ItemTypeOther:
		return true
	}
	return false
}

// AmountMode selects between percentage and fixed discount/tax values.
type AmountMode string

const (
	AmountPercentage AmountMode = "percentage"
	AmountFixed      AmountMode = "fixed"
)

// PaymentMethod identifies how money moved.
type PaymentMethod string

const (
	MethodCash      PaymentMethod = "cash"
	MethodCard      PaymentMethod = "card"
	MethodOnline    PaymentMethod = "online"
	MethodInsurance PaymentMethod = "insurance"
	MethodOther     PaymentMethod = "other"
)

// PaymentTerms determines the due date offset from the issue date.
type PaymentTerms string

const (
	TermsImmediate PaymentTerms = "immediate"
	TermsNet15     PaymentTerms = "net_15"
	TermsNet30     PaymentTerms = "net_30"
	TermsNet45     PaymentTerms = "net_45"
	TermsNet60     PaymentTerms = "net_60"
)

// DueInDays returns the grace period the terms grant.
func (t PaymentTerms) DueInDays() int {
	switch t {
	case TermsNet15:
		return 15
	case TermsNet30:
		return 30
	case TermsNet45:
		return 45
	case TermsNet60:
		return 60
	default:
		return 0
	}
}

// InvoiceItem is a single billable line. Its index inside Invoice.Items is a
// stable external identity: items are only appended or mutated in place.
type InvoiceItem struct {
	Type               ItemType   `json:"type"`
	Description        string     `json:"description"`
	Quantity           int64      `json:"quantity"`
	UnitPrice          int64      `json:"unit_price"`
	Discount           int64      `json:"discount"`
	DiscountType       AmountMode `json:"discount_type"`
	Tax                int64      `json:"tax"`
	TaxType            AmountMode `json:"tax_type"`
	Total              int64      `json:"total"`
	CoveredByInsurance bool       `json:"covered_by_insurance"`
	InsuranceApproved  bool       `json:"insurance_approved"`
	Paid               bool       `json:"paid"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
	PaymentID          string     `json:"payment_id,omitempty"`
}

// PaymentEntry is one row of the append-only embedded ledger.
// Amount is signed: negative entries are refunds.
type PaymentEntry struct {
	Amount      int64         `json:"amount"`
	Method      PaymentMethod `json:"method"`
	PaidBy      string        `json:"paid_by"`
	PaidAt      time.Time     `json:"paid_at"`
	Reference   string        `json:"reference"`
	Notes       string        `json:"notes,omitempty"`
	ItemIndices []int         `json:"item_indices,omitempty"`
}

// InsuranceCoverage records the claim state attached to an invoice.
type InsuranceCoverage struct {
	ProviderID     snowflake.ID `json:"provider_id"`
	ProviderName   string       `json:"provider_name"`
	PolicyNumber   string       `json:"policy_number"`
	CoverageAmount int64        `json:"coverage_amount"`
	Status         string       `json:"status"`
	ClaimNumber    string       `json:"claim_number,omitempty"`
	ApprovalCode   string       `json:"approval_code,omitempty"`
}

const (
	CoverageStatusPending   = "pending"
	CoverageStatusApproved  = "approved"
	CoverageStatusSubmitted = "submitted"
)

// Invoice is the financial aggregate for one visit (at most). The row is the
// unit of optimistic locking: every mutation bumps Version and persists with
// a version-checked update.
type Invoice struct {
	ID            snowflake.ID                      `gorm:"primaryKey"`
	InvoiceNumber string                            `gorm:"type:text;not null;uniqueIndex:ux_invoice_number"`
	PatientID     snowflake.ID                      `gorm:"not null;index"`
	VisitID       *snowflake.ID                     `gorm:"uniqueIndex:ux_invoice_visit"`
	AppointmentID *snowflake.ID                     `gorm:"index"`
	Items         datatypes.JSONSlice[InvoiceItem]  `gorm:"not null"`
	Payments      datatypes.JSONSlice[PaymentEntry] `gorm:"not null"`
	Subtotal      int64                             `gorm:"not null;default:0"`
	TotalDiscount int64                             `gorm:"not null;default:0"`
	TotalTax      int64                             `gorm:"not null;default:0"`
	TotalAmount   int64                             `gorm:"not null;default:0"`
	AmountPaid    int64                             `gorm:"not null;default:0"`
	BalanceDue    int64                             `gorm:"not null;default:0"`
	Status        InvoiceStatus                     `gorm:"type:text;not null;default:'pending'"`
	Insurance     *InsuranceCoverage                `gorm:"serializer:json"`
	PaymentTerms  PaymentTerms                      `gorm:"type:text;not null;default:'immediate'"`
	IssueDate     time.Time                         `gorm:"not null"`
	DueDate       time.Time                         `gorm:"not null"`
	PaidDate      *time.Time                        `gorm:""`
	CancelReason  string                            `gorm:"type:text"`
	CreatedBy     string                            `gorm:"type:text"`
	Version       int64                             `gorm:"not null;default:0"`
	CreatedAt     time.Time                         `gorm:"not null"`
	UpdatedAt     time.Time                         `gorm:"not null"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// PaymentRecord mirrors one positive ledger entry into a standalone table for
// statements and gateway reconciliation. The embedded ledger is authoritative;
// records are rebuilt from it on reconcile.
type PaymentRecord struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	InvoiceID     snowflake.ID  `gorm:"not null;index"`
	PatientID     snowflake.ID  `gorm:"not null;index"`
	Reference     string        `gorm:"type:text;not null;uniqueIndex:ux_payment_reference"`
	Amount        int64         `gorm:"not null"`
	Method        PaymentMethod `gorm:"type:text;not null"`
	TransactionID string        `gorm:"type:text"`
	PaidBy        string        `gorm:"type:text"`
	PaidAt        time.Time     `gorm:"not null"`
	CreatedAt     time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "payment_records" }

// PaidItem identifies an item that transitioned to paid in one operation.
type PaidItem struct {
	Index int      `json:"index"`
	Type  ItemType `json:"type"`
}

// ItemsPaid is the cross-aggregate event handed to the visit projector after
// an invoice mutation commits. It names exactly the items that changed state.
type ItemsPaid struct {
	InvoiceID      snowflake.ID
	PatientID      snowflake.ID
	VisitID        *snowflake.ID
	PatientInsured bool
	Items          []PaidItem
}

// ItemsPaidHandler consumes ItemsPaid events. Implemented by the visit status
// projector; the billing service is its only producer.
type ItemsPaidHandler interface {
	HandleItemsPaid(ctx context.Context, event ItemsPaid) error
}
