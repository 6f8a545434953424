package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// CreateInvoiceRequest builds a new invoice for a patient and optional visit.
type CreateInvoiceRequest struct {
	PatientID     snowflake.ID
	VisitID       *snowflake.ID
	AppointmentID *snowflake.ID
	Items         []InvoiceItem
	PaymentTerms  PaymentTerms
	Notes         string
}

// PaymentRequest applies money against an invoice.
type PaymentRequest struct {
	InvoiceID snowflake.ID
	Amount    int64
	Method    PaymentMethod
	PaidBy    string
	Notes     string
	// Metadata is handed opaquely to the gateway adapter for card/online.
	Metadata map[string]string
}

// PayItemsRequest pays specific line items by index.
type PayItemsRequest struct {
	InvoiceID   snowflake.ID
	ItemIndices []int
	Method      PaymentMethod
	PaidBy      string
	Notes       string
}

// RefundRequest reverses part of a payment through the ledger.
type RefundRequest struct {
	Amount int64
	Reason string
}

// ClaimRequest files an insurance claim for the covered items.
type ClaimRequest struct {
	PolicyNumber string
	PlanCode     string
}

// Service is the single legitimate entry point for invoice mutation.
type Service interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest, actor string) (*Invoice, error)
	AddItemsToInvoice(ctx context.Context, invoiceID snowflake.ID, items []InvoiceItem, actor string) (*Invoice, error)
	ProcessPayment(ctx context.Context, req PaymentRequest, actor string) (*Invoice, error)
	PayItems(ctx context.Context, req PayItemsRequest, actor string) (*Invoice, error)
	ProcessInsuranceClaim(ctx context.Context, invoiceID snowflake.ID, req ClaimRequest, actor string) (*Invoice, error)
	ProcessRefund(ctx context.Context, paymentReference string, req RefundRequest, actor string) (*Invoice, error)
	CancelInvoice(ctx context.Context, invoiceID snowflake.ID, reason, actor string) (*Invoice, error)
	CheckOverdueInvoices(ctx context.Context) (int, error)
	GenerateStatement(ctx context.Context, invoiceID snowflake.ID) ([]byte, error)
	ReconcilePaymentRecords(ctx context.Context, invoiceID snowflake.ID) (int, error)
	GetByID(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)
	GetByVisit(ctx context.Context, visitID snowflake.ID) (*Invoice, error)
}
