// Package service implements the billing workflow on top of the invoice
// aggregate. Every invoice mutation flows through here: load, mutate through
// the aggregate methods, persist with a version check, then emit the
// after-commit effects (projector event, audit, notification, mirror row).
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	auditdomain "github.com/Johnson1425-ux/segese-backend/internal/audit/domain"
	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	"github.com/Johnson1425-ux/segese-backend/internal/config"
	"github.com/Johnson1425-ux/segese-backend/internal/gateway"
	"github.com/Johnson1425-ux/segese-backend/internal/observability/metrics"
	notifdomain "github.com/Johnson1425-ux/segese-backend/internal/notification/domain"
	patientdomain "github.com/Johnson1425-ux/segese-backend/internal/patient/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/statement"
	visitdomain "github.com/Johnson1425-ux/segese-backend/internal/visit/domain"
)

// mutateAttempts bounds the optimistic retry loop. Contention on a single
// invoice is rare; three attempts covers concurrent cashier and sweep writes.
const mutateAttempts = 3

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Insurance *config.InsuranceConfigHolder

	Patients      patientdomain.Service
	Audit         auditdomain.Service
	Notifications notifdomain.Service
	Gateways      *gateway.Registry
	Renderer      *statement.Renderer

	Claims  gateway.ClaimSubmitter         `optional:"true"`
	Visits  billingdomain.ItemsPaidHandler `optional:"true"`
	Metrics *metrics.Metrics               `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	insurance *config.InsuranceConfigHolder
	batchSize int

	patients patientdomain.Service
	audit    auditdomain.Service
	notifier notifdomain.Service
	gateways *gateway.Registry
	renderer *statement.Renderer
	claims   gateway.ClaimSubmitter
	visits   billingdomain.ItemsPaidHandler
	metrics  *metrics.Metrics
}

func NewService(p Params) billingdomain.Service {
	batch := p.Config.SchedulerBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("billing.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		insurance: p.Insurance,
		batchSize: batch,
		patients:  p.Patients,
		audit:     p.Audit,
		notifier:  p.Notifications,
		gateways:  p.Gateways,
		renderer:  p.Renderer,
		claims:    p.Claims,
		visits:    p.Visits,
		metrics:   p.Metrics,
	}
}

func (s *Service) CreateInvoice(ctx context.Context, req billingdomain.CreateInvoiceRequest, actor string) (*billingdomain.Invoice, error) {
	if req.VisitID != nil {
		existing, err := s.GetByVisit(ctx, *req.VisitID)
		if err != nil && !errors.Is(err, billingdomain.ErrInvoiceNotFound) {
			return nil, err
		}
		if existing != nil {
			s.log.Info("duplicate invoice creation suppressed",
				zap.String("visit_id", req.VisitID.String()),
				zap.String("invoice_number", existing.InvoiceNumber),
			)
			return existing, nil
		}
	}

	patient, err := s.patients.FindByID(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, patientdomain.ErrPatientNotFound) {
			return nil, billingdomain.ErrPatientNotFound
		}
		return nil, err
	}

	items := make([]billingdomain.InvoiceItem, len(req.Items))
	copy(items, req.Items)
	for i := range items {
		if err := billingdomain.NormalizeItem(&items[i]); err != nil {
			return nil, err
		}
	}

	provider, err := s.patients.ResolveInsurance(ctx, patient)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	terms := req.PaymentTerms
	if terms == "" {
		terms = billingdomain.TermsImmediate
	}

	inv := &billingdomain.Invoice{
		ID:            s.genID.Generate(),
		PatientID:     req.PatientID,
		VisitID:       req.VisitID,
		AppointmentID: req.AppointmentID,
		Items:         items,
		Payments:      []billingdomain.PaymentEntry{},
		Status:        billingdomain.InvoiceStatusPending,
		PaymentTerms:  terms,
		IssueDate:     now,
		DueDate:       now.AddDate(0, 0, terms.DueInDays()),
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inv.Recalculate()

	if provider != nil {
		percent := s.insurance.Get().CoveragePercent(provider.Name, patient.InsurancePlanCode)
		cov := billingdomain.InsuranceCoverage{
			ProviderID:   provider.ID,
			ProviderName: provider.Name,
			PolicyNumber: patient.InsurancePolicyNumber,
			Status:       billingdomain.CoverageStatusPending,
			ApprovalCode: newApprovalCode(),
		}
		info := billingdomain.PaymentInfo{
			Method:    billingdomain.MethodInsurance,
			PaidBy:    provider.Name,
			Reference: s.newReference("INS"),
			Notes:     "insurance auto-coverage",
			PaymentID: s.newPaymentID(),
		}
		if _, _, err := inv.ApplyInsuranceAutoCoverage(cov, percent, info, now); err != nil {
			return nil, err
		}
	} else {
		inv.Settle(now)
	}

	var duplicate bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := nextInvoiceNumber(tx, now)
		if err != nil {
			return err
		}
		inv.InvoiceNumber = number

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "visit_id"}},
			DoNothing: true,
		}).Create(inv)
		if res.Error != nil {
			return res.Error
		}
		// Zero rows means a concurrent writer won the visit_id race.
		duplicate = res.RowsAffected == 0 && req.VisitID != nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		winner, err := s.GetByVisit(ctx, *req.VisitID)
		if err != nil {
			return nil, err
		}
		s.log.Info("lost invoice creation race, returning winner",
			zap.String("visit_id", req.VisitID.String()),
			zap.String("invoice_number", winner.InvoiceNumber),
		)
		return winner, nil
	}

	if req.VisitID != nil {
		s.attachInvoiceToVisit(ctx, inv, provider != nil)
	}
	s.mirrorNewEntries(ctx, inv, 0, "")

	path := "standard"
	if provider != nil {
		path = "insurance"
	}
	if s.metrics != nil {
		s.metrics.InvoicesCreated.WithLabelValues(path).Inc()
	}
	s.auditLog(ctx, actor, "invoice.created", inv, map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"total_amount":   inv.TotalAmount,
		"path":           path,
	})
	s.notify(ctx, inv.PatientID, "invoice_created", map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"total_amount":   inv.TotalAmount,
		"due_date":       inv.DueDate,
	})

	return inv, nil
}

// attachInvoiceToVisit records the invoice back-reference and, for insured
// patients, moves the visit straight into the queue. Uninsured visits stay at
// Pending Payment until the consultation item is paid.
func (s *Service) attachInvoiceToVisit(ctx context.Context, inv *billingdomain.Invoice, insured bool) {
	updates := map[string]any{
		"invoice_id": inv.ID,
		"updated_at": s.clock.Now(),
	}
	if insured {
		updates["status"] = visitdomain.VisitStatusInQueue
		updates["consultation_fee_paid"] = true
	}
	res := s.db.WithContext(ctx).
		Model(&visitdomain.Visit{}).
		Where("id = ?", *inv.VisitID).
		Updates(updates)
	if res.Error != nil {
		s.log.Error("visit update after invoice creation failed",
			zap.String("visit_id", inv.VisitID.String()), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		s.log.Warn("invoice references missing visit",
			zap.String("visit_id", inv.VisitID.String()),
			zap.String("invoice_number", inv.InvoiceNumber))
	}
}

func (s *Service) AddItemsToInvoice(ctx context.Context, invoiceID snowflake.ID, items []billingdomain.InvoiceItem, actor string) (*billingdomain.Invoice, error) {
	var paid []billingdomain.PaidItem
	var entriesBefore int
	inv, err := s.mutateInvoice(ctx, invoiceID, func(inv *billingdomain.Invoice) (bool, error) {
		now := s.clock.Now()
		entriesBefore = len(inv.Payments)
		insured := inv.Insurance != nil
		percent := 0
		info := billingdomain.PaymentInfo{}
		if insured {
			planCode := ""
			if patient, err := s.patients.FindByID(ctx, inv.PatientID); err == nil {
				planCode = patient.InsurancePlanCode
			}
			percent = s.insurance.Get().CoveragePercent(inv.Insurance.ProviderName, planCode)
			info = billingdomain.PaymentInfo{
				Method:    billingdomain.MethodInsurance,
				PaidBy:    inv.Insurance.ProviderName,
				Reference: s.newReference("INS"),
				Notes:     "insurance auto-coverage",
				PaymentID: s.newPaymentID(),
			}
		}
		added := make([]billingdomain.InvoiceItem, len(items))
		copy(added, items)
		var err error
		paid, err = inv.AddItems(added, insured, percent, info, now)
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}

	s.mirrorNewEntries(ctx, inv, entriesBefore, "")
	s.auditLog(ctx, actor, "invoice.items_added", inv, map[string]any{
		"count":        len(items),
		"total_amount": inv.TotalAmount,
	})
	if len(paid) > 0 {
		s.emitItemsPaid(ctx, inv, paid)
	}
	return inv, nil
}

func (s *Service) ProcessPayment(ctx context.Context, req billingdomain.PaymentRequest, actor string) (*billingdomain.Invoice, error) {
	switch req.Method {
	case billingdomain.MethodCash, billingdomain.MethodCard, billingdomain.MethodOnline, billingdomain.MethodOther:
	default:
		return nil, &billingdomain.ValidationError{Field: "method", Reason: fmt.Sprintf("unsupported method %q", req.Method)}
	}
	if req.Amount <= 0 {
		return nil, &billingdomain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	inv, err := s.GetByID(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == billingdomain.InvoiceStatusCancelled {
		return nil, billingdomain.ErrInvalidState
	}
	if req.Amount > inv.BalanceDue {
		return nil, &billingdomain.OverpaymentError{Amount: req.Amount, BalanceDue: inv.BalanceDue}
	}

	reference := s.newReference("PAY")
	transactionID := ""

	// Card and online charges go through the processor first. A declined or
	// failed charge aborts before any local state changes.
	if isGatewayMethod(req.Method) {
		adapter, ok := s.gateways.Adapter(string(req.Method))
		if !ok {
			return nil, &billingdomain.GatewayError{Method: req.Method, Reason: "no adapter configured"}
		}
		result, err := adapter.Charge(ctx, gateway.ChargeRequest{
			InvoiceID: inv.ID,
			PatientID: inv.PatientID,
			Amount:    req.Amount,
			Reference: reference,
			Metadata:  req.Metadata,
		})
		if err != nil {
			return nil, &billingdomain.GatewayError{Method: req.Method, Reason: err.Error()}
		}
		if !result.Success {
			return nil, &billingdomain.GatewayError{Method: req.Method, Reason: result.FailureReason}
		}
		transactionID = result.TransactionID
	}

	var paid []billingdomain.PaidItem
	var entriesBefore int
	inv, err = s.mutateInvoice(ctx, req.InvoiceID, func(inv *billingdomain.Invoice) (bool, error) {
		entriesBefore = len(inv.Payments)
		info := billingdomain.PaymentInfo{
			Method:    req.Method,
			PaidBy:    req.PaidBy,
			Reference: reference,
			Notes:     req.Notes,
			PaymentID: s.newPaymentID(),
		}
		var err error
		paid, err = inv.ApplyPaymentAmount(req.Amount, info, s.clock.Now())
		return err == nil, err
	})
	if err != nil {
		// The charge already succeeded externally; the orphaned transaction
		// needs a manual reversal.
		if transactionID != "" {
			s.log.Error("gateway charge not recorded locally, manual reversal required",
				zap.String("transaction_id", transactionID),
				zap.String("reference", reference),
				zap.String("invoice_id", req.InvoiceID.String()),
				zap.Error(err))
		}
		return nil, err
	}

	s.mirrorNewEntries(ctx, inv, entriesBefore, transactionID)
	if s.metrics != nil {
		s.metrics.PaymentsApplied.WithLabelValues(string(req.Method)).Inc()
		s.metrics.PaymentAmount.WithLabelValues(string(req.Method)).Add(float64(req.Amount))
	}
	s.emitItemsPaid(ctx, inv, paid)
	s.auditLog(ctx, actor, "payment.applied", inv, map[string]any{
		"amount":    req.Amount,
		"method":    string(req.Method),
		"reference": reference,
	})
	s.notify(ctx, inv.PatientID, "payment_receipt", map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"amount":         req.Amount,
		"method":         string(req.Method),
		"reference":      reference,
		"balance_due":    inv.BalanceDue,
	})
	return inv, nil
}

func (s *Service) PayItems(ctx context.Context, req billingdomain.PayItemsRequest, actor string) (*billingdomain.Invoice, error) {
	switch req.Method {
	case billingdomain.MethodCash, billingdomain.MethodCard, billingdomain.MethodOnline, billingdomain.MethodOther:
	default:
		return nil, &billingdomain.ValidationError{Field: "method", Reason: fmt.Sprintf("unsupported method %q", req.Method)}
	}
	if len(req.ItemIndices) == 0 {
		return nil, &billingdomain.ValidationError{Field: "item_indices", Reason: "must not be empty"}
	}

	reference := s.newReference("PAY")
	var amount int64
	var paid []billingdomain.PaidItem
	var entriesBefore int
	inv, err := s.mutateInvoice(ctx, req.InvoiceID, func(inv *billingdomain.Invoice) (bool, error) {
		entriesBefore = len(inv.Payments)
		info := billingdomain.PaymentInfo{
			Method:    req.Method,
			PaidBy:    req.PaidBy,
			Reference: reference,
			Notes:     req.Notes,
			PaymentID: s.newPaymentID(),
		}
		var err error
		amount, paid, err = inv.PayItems(req.ItemIndices, info, s.clock.Now())
		if err != nil {
			return false, err
		}
		// All requested items already paid: nothing to persist.
		return amount > 0, nil
	})
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		s.log.Info("item payment was a no-op, all items already paid",
			zap.String("invoice_number", inv.InvoiceNumber))
		return inv, nil
	}

	s.mirrorNewEntries(ctx, inv, entriesBefore, "")
	if s.metrics != nil {
		s.metrics.PaymentsApplied.WithLabelValues(string(req.Method)).Inc()
		s.metrics.PaymentAmount.WithLabelValues(string(req.Method)).Add(float64(amount))
	}
	s.emitItemsPaid(ctx, inv, paid)
	s.auditLog(ctx, actor, "payment.items_paid", inv, map[string]any{
		"amount":    amount,
		"method":    string(req.Method),
		"reference": reference,
		"items":     len(paid),
	})
	s.notify(ctx, inv.PatientID, "payment_receipt", map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"amount":         amount,
		"method":         string(req.Method),
		"reference":      reference,
		"balance_due":    inv.BalanceDue,
	})
	return inv, nil
}

func (s *Service) ProcessInsuranceClaim(ctx context.Context, invoiceID snowflake.ID, req billingdomain.ClaimRequest, actor string) (*billingdomain.Invoice, error) {
	var provider *patientdomain.InsuranceProvider
	inv, err := s.mutateInvoice(ctx, invoiceID, func(inv *billingdomain.Invoice) (bool, error) {
		if inv.Status == billingdomain.InvoiceStatusCancelled {
			return false, billingdomain.ErrInvalidState
		}
		if inv.Insurance == nil {
			return false, &billingdomain.ValidationError{Field: "insurance", Reason: "invoice has no insurance coverage"}
		}
		var err error
		provider, err = s.patients.FindProviderByID(ctx, inv.Insurance.ProviderID)
		if err != nil {
			return false, err
		}

		var approved int64
		for _, item := range inv.Items {
			if !item.CoveredByInsurance {
				continue
			}
			percent, err := s.patients.CoveragePercent(ctx, provider.ID, req.PlanCode, string(item.Type))
			if err != nil {
				return false, err
			}
			if percent < 0 {
				percent = s.insurance.Get().CoveragePercent(provider.Name, req.PlanCode)
			}
			approved += item.Total * int64(percent) / 100
		}

		inv.Insurance.Status = billingdomain.CoverageStatusSubmitted
		inv.Insurance.ClaimNumber = s.newClaimNumber()
		inv.Insurance.CoverageAmount = approved
		if req.PolicyNumber != "" {
			inv.Insurance.PolicyNumber = req.PolicyNumber
		}
		if inv.Insurance.ApprovalCode == "" {
			inv.Insurance.ApprovalCode = newApprovalCode()
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if provider.ElectronicSubmission && s.claims != nil {
		claim := gateway.ClaimSubmission{
			InvoiceID:    inv.ID,
			PatientID:    inv.PatientID,
			ProviderName: provider.Name,
			ClaimNumber:  inv.Insurance.ClaimNumber,
			PolicyNumber: inv.Insurance.PolicyNumber,
			Amount:       inv.Insurance.CoverageAmount,
		}
		go func() {
			if err := s.claims.SubmitClaim(context.WithoutCancel(ctx), claim); err != nil {
				s.log.Error("electronic claim submission failed",
					zap.String("claim_number", claim.ClaimNumber), zap.Error(err))
			}
		}()
	}

	if s.metrics != nil {
		s.metrics.ClaimsProcessed.Inc()
	}
	s.auditLog(ctx, actor, "insurance.claim_submitted", inv, map[string]any{
		"claim_number":    inv.Insurance.ClaimNumber,
		"provider":        inv.Insurance.ProviderName,
		"coverage_amount": inv.Insurance.CoverageAmount,
	})
	s.notify(ctx, inv.PatientID, "claim_submitted", map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"claim_number":   inv.Insurance.ClaimNumber,
		"provider":       inv.Insurance.ProviderName,
	})
	return inv, nil
}

func (s *Service) ProcessRefund(ctx context.Context, paymentReference string, req billingdomain.RefundRequest, actor string) (*billingdomain.Invoice, error) {
	if req.Amount <= 0 {
		return nil, &billingdomain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	invoiceID, method, paidAmount, transactionID, err := s.resolvePayment(ctx, paymentReference)
	if err != nil {
		return nil, err
	}
	if req.Amount > paidAmount {
		return nil, &billingdomain.ValidationError{Field: "amount", Reason: "refund exceeds original payment"}
	}

	// Gateway payments reverse externally first. A failed gateway refund
	// aborts before the ledger is touched.
	if transactionID != "" {
		adapter, ok := s.gateways.Adapter(string(method))
		if !ok {
			return nil, &billingdomain.GatewayError{Method: method, Reason: "no adapter configured"}
		}
		result, err := adapter.Refund(ctx, transactionID, req.Amount)
		if err != nil {
			return nil, &billingdomain.GatewayError{Method: method, Reason: err.Error()}
		}
		if !result.Success {
			return nil, &billingdomain.GatewayError{Method: method, Reason: result.FailureReason}
		}
	}

	refundReference := s.newReference("REF")
	var entriesBefore int
	inv, err := s.mutateInvoice(ctx, invoiceID, func(inv *billingdomain.Invoice) (bool, error) {
		entriesBefore = len(inv.Payments)
		err := inv.Refund(req.Amount, method, actor, req.Reason, refundReference, s.clock.Now())
		return err == nil, err
	})
	if err != nil {
		if transactionID != "" {
			s.log.Error("gateway refund not recorded locally, manual reconciliation required",
				zap.String("transaction_id", transactionID),
				zap.String("payment_reference", paymentReference),
				zap.String("invoice_id", invoiceID.String()),
				zap.Error(err))
		}
		return nil, err
	}

	s.mirrorNewEntries(ctx, inv, entriesBefore, "")
	if s.metrics != nil {
		s.metrics.RefundsApplied.Inc()
	}
	s.auditLog(ctx, actor, "payment.refunded", inv, map[string]any{
		"amount":            req.Amount,
		"reason":            req.Reason,
		"payment_reference": paymentReference,
		"refund_reference":  refundReference,
	})
	s.notify(ctx, inv.PatientID, "refund_processed", map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"amount":         req.Amount,
		"reference":      refundReference,
	})
	return inv, nil
}

// resolvePayment locates the payment to refund. The payment_records mirror is
// the fast path; when its best-effort write was lost the authoritative
// embedded ledger decides, and the missing row is repaired on the way out.
// Gateway payments cannot fall back: the external transaction reference only
// exists in the mirror.
func (s *Service) resolvePayment(ctx context.Context, reference string) (invoiceID snowflake.ID, method billingdomain.PaymentMethod, amount int64, transactionID string, err error) {
	var record billingdomain.PaymentRecord
	err = s.db.WithContext(ctx).
		Where("reference = ?", reference).
		First(&record).Error
	if err == nil {
		// Rebuilt mirror rows carry no transaction id; a gateway payment
		// without one cannot be reversed automatically.
		if record.TransactionID == "" && isGatewayMethod(record.Method) {
			return 0, "", 0, "", errTransactionReferenceLost(record.Method)
		}
		return record.InvoiceID, record.Method, record.Amount, record.TransactionID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, "", 0, "", err
	}

	inv, entry, err := s.findLedgerPayment(ctx, reference)
	if err != nil {
		return 0, "", 0, "", err
	}
	s.log.Warn("payment missing from records mirror, resolved from invoice ledger",
		zap.String("reference", reference),
		zap.String("invoice_number", inv.InvoiceNumber))
	if _, rerr := s.ReconcilePaymentRecords(ctx, inv.ID); rerr != nil {
		s.log.Error("payment record repair failed",
			zap.String("invoice_number", inv.InvoiceNumber), zap.Error(rerr))
	}
	if isGatewayMethod(entry.Method) {
		return 0, "", 0, "", errTransactionReferenceLost(entry.Method)
	}
	return inv.ID, entry.Method, entry.Amount, "", nil
}

func isGatewayMethod(method billingdomain.PaymentMethod) bool {
	return method == billingdomain.MethodCard || method == billingdomain.MethodOnline
}

func errTransactionReferenceLost(method billingdomain.PaymentMethod) error {
	return &billingdomain.GatewayError{
		Method: method,
		Reason: "transaction reference unavailable, reverse the charge manually before refunding",
	}
}

// findLedgerPayment scans invoices whose embedded ledger mentions the
// reference. References are ULID-based so a substring match cannot collide
// with another field; the exact entry is confirmed in memory.
func (s *Service) findLedgerPayment(ctx context.Context, reference string) (*billingdomain.Invoice, *billingdomain.PaymentEntry, error) {
	var candidates []billingdomain.Invoice
	err := s.db.WithContext(ctx).
		Where("CAST(payments AS TEXT) LIKE ?", "%"+reference+"%").
		Limit(5).
		Find(&candidates).Error
	if err != nil {
		return nil, nil, err
	}
	for i := range candidates {
		for j := range candidates[i].Payments {
			entry := &candidates[i].Payments[j]
			if entry.Reference == reference && entry.Amount > 0 {
				return &candidates[i], entry, nil
			}
		}
	}
	return nil, nil, billingdomain.ErrPaymentNotFound
}

func (s *Service) CancelInvoice(ctx context.Context, invoiceID snowflake.ID, reason, actor string) (*billingdomain.Invoice, error) {
	inv, err := s.mutateInvoice(ctx, invoiceID, func(inv *billingdomain.Invoice) (bool, error) {
		err := inv.Cancel(reason, s.clock.Now())
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	s.auditLog(ctx, actor, "invoice.cancelled", inv, map[string]any{"reason": reason})
	s.notify(ctx, inv.PatientID, "invoice_cancelled", map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"reason":         reason,
	})
	return inv, nil
}

func (s *Service) CheckOverdueInvoices(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var flipped []*billingdomain.Invoice

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ? AND due_date < ?", billingdomain.InvoiceStatusPending, now).
			Order("due_date asc").
			Limit(s.batchSize)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var candidates []billingdomain.Invoice
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			inv := &candidates[i]
			prev := inv.Version
			inv.Settle(now)
			if inv.Status != billingdomain.InvoiceStatusOverdue {
				continue
			}
			inv.Version = prev + 1
			inv.UpdatedAt = now
			res := tx.Model(&billingdomain.Invoice{}).
				Where("id = ? AND version = ?", inv.ID, prev).
				Select("*").Omit("id", "created_at").
				Updates(inv)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			flipped = append(flipped, inv)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, inv := range flipped {
		s.notify(ctx, inv.PatientID, "invoice_overdue", map[string]any{
			"invoice_number": inv.InvoiceNumber,
			"balance_due":    inv.BalanceDue,
			"due_date":       inv.DueDate,
		})
		s.auditLog(ctx, auditdomain.ActorTypeSystem, "invoice.overdue", inv, map[string]any{
			"balance_due": inv.BalanceDue,
		})
	}
	if s.metrics != nil {
		s.metrics.OverdueSwept.Add(float64(len(flipped)))
	}
	return len(flipped), nil
}

func (s *Service) GenerateStatement(ctx context.Context, invoiceID snowflake.ID) ([]byte, error) {
	inv, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	patientName := ""
	if patient, err := s.patients.FindByID(ctx, inv.PatientID); err == nil {
		patientName = patient.Name
	}

	data := statement.Data{
		InvoiceNumber: inv.InvoiceNumber,
		Status:        string(inv.Status),
		PatientName:   patientName,
		IssueDate:     inv.IssueDate.Format("2006-01-02"),
		DueDate:       inv.DueDate.Format("2006-01-02"),
		Subtotal:      statement.FormatMoney(inv.Subtotal),
		Discount:      statement.FormatMoney(inv.TotalDiscount),
		Tax:           statement.FormatMoney(inv.TotalTax),
		Total:         statement.FormatMoney(inv.TotalAmount),
		AmountPaid:    statement.FormatMoney(inv.AmountPaid),
		BalanceDue:    statement.FormatMoney(inv.BalanceDue),
	}
	for _, item := range inv.Items {
		status := "No"
		if item.Paid {
			status = "Yes"
		}
		data.Items = append(data.Items, statement.Line{
			Description: item.Description,
			Qty:         item.Quantity,
			UnitPrice:   statement.FormatMoney(item.UnitPrice),
			Amount:      statement.FormatMoney(item.Total),
			Status:      status,
		})
	}
	for _, entry := range inv.Payments {
		data.Payments = append(data.Payments, statement.PaymentLine{
			Date:      entry.PaidAt.Format("2006-01-02"),
			Method:    string(entry.Method),
			Reference: entry.Reference,
			Amount:    statement.FormatMoney(entry.Amount),
		})
	}
	if inv.Insurance != nil {
		data.InsuranceProvider = inv.Insurance.ProviderName
		data.CoverageAmount = statement.FormatMoney(inv.Insurance.CoverageAmount)
	}
	return s.renderer.Render(data)
}

// ReconcilePaymentRecords replays the embedded ledger into the payment_records
// mirror, inserting any entries a best-effort write missed. The ledger is
// authoritative; existing rows are never modified.
func (s *Service) ReconcilePaymentRecords(ctx context.Context, invoiceID snowflake.ID) (int, error) {
	inv, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, entry := range inv.Payments {
		if entry.Reference == "" {
			continue
		}
		record := billingdomain.PaymentRecord{
			ID:        s.genID.Generate(),
			InvoiceID: inv.ID,
			PatientID: inv.PatientID,
			Reference: entry.Reference,
			Amount:    entry.Amount,
			Method:    entry.Method,
			PaidBy:    entry.PaidBy,
			PaidAt:    entry.PaidAt,
			CreatedAt: s.clock.Now(),
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoNothing: true,
		}).Create(&record)
		if res.Error != nil {
			return inserted, res.Error
		}
		inserted += int(res.RowsAffected)
	}
	return inserted, nil
}

func (s *Service) GetByID(ctx context.Context, invoiceID snowflake.ID) (*billingdomain.Invoice, error) {
	var inv billingdomain.Invoice
	err := s.db.WithContext(ctx).Where("id = ?", invoiceID).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Service) GetByVisit(ctx context.Context, visitID snowflake.ID) (*billingdomain.Invoice, error) {
	var inv billingdomain.Invoice
	err := s.db.WithContext(ctx).Where("visit_id = ?", visitID).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// mutateInvoice is the optimistic read-modify-write loop. The mutation
// function runs against a fresh snapshot on each attempt; a version-checked
// update detects lost races and retries.
func (s *Service) mutateInvoice(ctx context.Context, id snowflake.ID, fn func(inv *billingdomain.Invoice) (bool, error)) (*billingdomain.Invoice, error) {
	var lastErr error
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		inv, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := inv.Version

		mutated, err := fn(inv)
		if err != nil {
			return nil, err
		}
		if !mutated {
			return inv, nil
		}

		inv.Version = prev + 1
		inv.UpdatedAt = s.clock.Now()
		res := s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
			Where("id = ? AND version = ?", id, prev).
			Select("*").Omit("id", "created_at").
			Updates(inv)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			if s.metrics != nil {
				s.metrics.SettleConflicts.Inc()
			}
			s.log.Warn("invoice version conflict, retrying",
				zap.String("invoice_id", id.String()),
				zap.Int64("version", prev))
			lastErr = billingdomain.ErrVersionConflict
			continue
		}
		return inv, nil
	}
	return nil, lastErr
}

// mirrorNewEntries copies ledger entries appended since entriesBefore into
// payment_records. The mirror is a projection: failures are logged and left
// for ReconcilePaymentRecords.
func (s *Service) mirrorNewEntries(ctx context.Context, inv *billingdomain.Invoice, entriesBefore int, transactionID string) {
	for i := entriesBefore; i < len(inv.Payments); i++ {
		entry := inv.Payments[i]
		if entry.Reference == "" {
			continue
		}
		record := billingdomain.PaymentRecord{
			ID:            s.genID.Generate(),
			InvoiceID:     inv.ID,
			PatientID:     inv.PatientID,
			Reference:     entry.Reference,
			Amount:        entry.Amount,
			Method:        entry.Method,
			TransactionID: transactionID,
			PaidBy:        entry.PaidBy,
			PaidAt:        entry.PaidAt,
			CreatedAt:     s.clock.Now(),
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoNothing: true,
		}).Create(&record)
		if res.Error != nil {
			s.log.Error("payment record mirror failed",
				zap.String("reference", entry.Reference), zap.Error(res.Error))
		}
	}
}

// emitItemsPaid hands the items that changed state to the visit projector.
// The invoice is already committed; a projector failure leaves the visit
// temporarily behind and is logged, not propagated.
func (s *Service) emitItemsPaid(ctx context.Context, inv *billingdomain.Invoice, paid []billingdomain.PaidItem) {
	if s.visits == nil || inv.VisitID == nil || len(paid) == 0 {
		return
	}
	event := billingdomain.ItemsPaid{
		InvoiceID:      inv.ID,
		PatientID:      inv.PatientID,
		VisitID:        inv.VisitID,
		PatientInsured: inv.Insurance != nil,
		Items:          paid,
	}
	if err := s.visits.HandleItemsPaid(ctx, event); err != nil {
		s.log.Error("visit projection failed",
			zap.String("visit_id", inv.VisitID.String()), zap.Error(err))
	}
}

func (s *Service) auditLog(ctx context.Context, actor, action string, inv *billingdomain.Invoice, metadata map[string]any) {
	actorType := auditdomain.ActorTypeUser
	if actor == "" || actor == auditdomain.ActorTypeSystem {
		actorType = auditdomain.ActorTypeSystem
	}
	if err := s.audit.AuditLog(ctx, actorType, actor, action, "invoice", inv.ID.String(), metadata); err != nil {
		s.log.Error("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, patientID snowflake.ID, kind string, payload map[string]any) {
	if err := s.notifier.Notify(ctx, patientID, kind, payload); err != nil {
		s.log.Error("notification enqueue failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (s *Service) newReference(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(s.clock.Now()), rand.Reader)
	return fmt.Sprintf("%s-%s", prefix, id)
}

func (s *Service) newPaymentID() string {
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), rand.Reader).String()
}

func (s *Service) newClaimNumber() string {
	return fmt.Sprintf("CLM-%s", s.clock.Now().Format("200601")) + "-" + strings.ToUpper(uuid.NewString()[:8])
}

func newApprovalCode() string {
	return "APR-" + strings.ToUpper(uuid.NewString()[:8])
}

// nextInvoiceNumber allocates INV-YYYYMM-NNNNN, resetting the sequence each
// month. Runs inside the creation transaction; the unique index on
// invoice_number backstops a rare same-instant race.
func nextInvoiceNumber(tx *gorm.DB, now time.Time) (string, error) {
	prefix := fmt.Sprintf("INV-%s-", now.Format("200601"))
	var last string
	err := tx.Raw(
		`SELECT invoice_number FROM invoices WHERE invoice_number LIKE ? ORDER BY invoice_number DESC LIMIT 1`,
		prefix+"%",
	).Scan(&last).Error
	if err != nil {
		return "", err
	}
	seq := 1
	if last != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(last, prefix))
		if err == nil {
			seq = n + 1
		}
	}
	return fmt.Sprintf("%s%05d", prefix, seq), nil
}
