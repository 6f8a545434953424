package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPatientNotFound  = errors.New("patient_not_found")
	ErrInvoiceNotFound  = errors.New("invoice_not_found")
	ErrPaymentNotFound  = errors.New("payment_not_found")
	ErrVisitNotFound    = errors.New("visit_not_found")
	ErrProviderNotFound = errors.New("insurance_provider_not_found")
	ErrValidation       = errors.New("validation_failed")
	ErrOverpayment      = errors.New("overpayment")
	ErrInvalidState     = errors.New("invalid_invoice_state")
	ErrGateway          = errors.New("gateway_failed")
	ErrVersionConflict  = errors.New("invoice_version_conflict")
)

// OverpaymentError rejects a payment exceeding the open balance.
type OverpaymentError struct {
	Amount     int64
	BalanceDue int64
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %d exceeds balance due of %d", e.Amount, e.BalanceDue)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

// ProviderNotFoundError reports an unresolvable legacy insurance-provider
// name together with the providers the system does know.
type ProviderNotFoundError struct {
	Name  string
	Known []string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("insurance provider %q not found; known providers: %s",
		e.Name, strings.Join(e.Known, ", "))
}

func (e *ProviderNotFoundError) Unwrap() error { return ErrProviderNotFound }

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// GatewayError wraps a failure reported by an external payment capability.
type GatewayError struct {
	Method PaymentMethod
	Reason string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %s", e.Method, e.Reason)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }
