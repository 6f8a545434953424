// Package gateway abstracts external payment capabilities. Card and online
// payments dispatch through an adapter; cash and other methods settle
// synchronously in the billing service without one.
package gateway

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// ChargeRequest is handed opaquely to the processor.
type ChargeRequest struct {
	InvoiceID snowflake.ID
	PatientID snowflake.ID
	Amount    int64
	Reference string
	Metadata  map[string]string
}

// ChargeResult reports the processor outcome.
type ChargeResult struct {
	Success       bool
	TransactionID string
	FailureReason string
}

// RefundResult reports the outcome of a gateway-side refund.
type RefundResult struct {
	Success             bool
	RefundTransactionID string
	FailureReason       string
}

// Adapter is one payment capability, keyed by method name.
type Adapter interface {
	Method() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, transactionID string, amount int64) (RefundResult, error)
}
