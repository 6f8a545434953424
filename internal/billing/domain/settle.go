package domain

import (
	"fmt"
	"sort"
	"time"
)

// PaymentInfo carries the caller-supplied attributes of one ledger entry.
// PaymentID is the shared identifier stamped onto every item the entry pays.
type PaymentInfo struct {
	Method    PaymentMethod
	PaidBy    string
	Reference string
	Notes     string
	PaymentID string
}

// Settle re-derives amountPaid, balanceDue and status from the current
// items/payments snapshot. It is re-entrant: cached totals are never inputs,
// so successive mutations within one operation compound correctly.
//
// Rule order matters: full payment wins over overdue classification, even on
// or after the due date. A cancelled invoice is terminal and untouched.
func (inv *Invoice) Settle(now time.Time) {
	if inv.Status == InvoiceStatusCancelled {
		return
	}

	var paid int64
	for _, entry := range inv.Payments {
		paid += entry.Amount
	}
	inv.AmountPaid = paid
	inv.BalanceDue = inv.TotalAmount - paid

	switch {
	case inv.BalanceDue <= 0 && paid > 0:
		inv.Status = InvoiceStatusPaid
		if inv.PaidDate == nil {
			t := now
			inv.PaidDate = &t
		}
		// Reconciliation: item-level paid flags never lag the aggregate.
		for i := range inv.Items {
			if !inv.Items[i].Paid {
				inv.Items[i].Paid = true
				t := now
				inv.Items[i].PaidAt = &t
			}
		}
	case paid > 0 && inv.BalanceDue > 0:
		inv.Status = InvoiceStatusPartial
	case paid == 0 && (inv.Status == InvoiceStatusPaid || inv.Status == InvoiceStatusPartial):
		// Full refund path: revert to pending.
		inv.Status = InvoiceStatusPending
		inv.PaidDate = nil
	case inv.Status == InvoiceStatusPending && inv.DueDate.Before(now):
		inv.Status = InvoiceStatusOverdue
	}
}

// NormalizeItem applies defaults and validates a line before it enters the
// aggregate.
func NormalizeItem(item *InvoiceItem) error {
	if !item.Type.Valid() {
		return &ValidationError{Field: "item.type", Reason: fmt.Sprintf("unknown type %q", item.Type)}
	}
	if item.Quantity < 1 {
		return &ValidationError{Field: "item.quantity", Reason: "must be at least 1"}
	}
	if item.UnitPrice < 0 {
		return &ValidationError{Field: "item.unit_price", Reason: "must not be negative"}
	}
	if item.DiscountType == "" {
		item.DiscountType = AmountPercentage
	}
	if item.TaxType == "" {
		item.TaxType = AmountPercentage
	}
	if item.DiscountType != AmountPercentage && item.DiscountType != AmountFixed {
		return &ValidationError{Field: "item.discount_type", Reason: fmt.Sprintf("unknown mode %q", item.DiscountType)}
	}
	if item.TaxType != AmountPercentage && item.TaxType != AmountFixed {
		return &ValidationError{Field: "item.tax_type", Reason: fmt.Sprintf("unknown mode %q", item.TaxType)}
	}
	item.Total = ComputeItemTotal(*item)
	return nil
}

// PayItems marks the referenced items paid, appends a single ledger entry for
// their combined total and re-settles. Indices already paid are skipped; if
// every requested index is already paid the call is a no-op returning 0, so a
// repeated request never double-counts.
func (inv *Invoice) PayItems(indices []int, info PaymentInfo, now time.Time) (int64, []PaidItem, error) {
	if inv.Status == InvoiceStatusCancelled {
		return 0, nil, ErrInvalidState
	}

	seen := make(map[int]bool, len(indices))
	targets := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(inv.Items) {
			return 0, nil, &ValidationError{Field: "item_indices", Reason: fmt.Sprintf("index %d out of range", idx)}
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		if inv.Items[idx].Paid {
			continue
		}
		targets = append(targets, idx)
	}
	if len(targets) == 0 {
		return 0, nil, nil
	}
	sort.Ints(targets)

	var amount int64
	paidItems := make([]PaidItem, 0, len(targets))
	for _, idx := range targets {
		item := &inv.Items[idx]
		item.Total = ComputeItemTotal(*item)
		item.Paid = true
		t := now
		item.PaidAt = &t
		item.PaymentID = info.PaymentID
		amount += item.Total
		paidItems = append(paidItems, PaidItem{Index: idx, Type: item.Type})
	}

	inv.Payments = append(inv.Payments, PaymentEntry{
		Amount:      amount,
		Method:      info.Method,
		PaidBy:      info.PaidBy,
		PaidAt:      now,
		Reference:   info.Reference,
		Notes:       info.Notes,
		ItemIndices: targets,
	})

	inv.Recalculate()
	inv.Settle(now)
	return amount, paidItems, nil
}

// ApplyPaymentAmount is the legacy unattributed path: it walks items in order
// and marks each unpaid item paid while the remaining amount fully covers it,
// stopping at the first item that would only be partially covered. The ledger
// entry carries the full amount; any leftover sits as credit toward the
// balance.
func (inv *Invoice) ApplyPaymentAmount(amount int64, info PaymentInfo, now time.Time) ([]PaidItem, error) {
	if inv.Status == InvoiceStatusCancelled {
		return nil, ErrInvalidState
	}
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	inv.Recalculate()
	inv.Settle(now)
	if amount > inv.BalanceDue {
		return nil, &OverpaymentError{Amount: amount, BalanceDue: inv.BalanceDue}
	}

	remaining := amount
	var indices []int
	var paidItems []PaidItem
	for i := range inv.Items {
		item := &inv.Items[i]
		if item.Paid {
			continue
		}
		if item.Total > remaining {
			break
		}
		item.Paid = true
		t := now
		item.PaidAt = &t
		item.PaymentID = info.PaymentID
		remaining -= item.Total
		indices = append(indices, i)
		paidItems = append(paidItems, PaidItem{Index: i, Type: item.Type})
	}

	inv.Payments = append(inv.Payments, PaymentEntry{
		Amount:      amount,
		Method:      info.Method,
		PaidBy:      info.PaidBy,
		PaidAt:      now,
		Reference:   info.Reference,
		Notes:       info.Notes,
		ItemIndices: indices,
	})

	inv.Settle(now)
	return paidItems, nil
}

// AddItems appends lines to the invoice. Item indices already assigned are
// never disturbed. When the patient is insured the new lines are folded into
// the coverage at the given percentage, enforcing the "insurance pays as
// services are ordered" policy for incremental items as well.
func (inv *Invoice) AddItems(newItems []InvoiceItem, insured bool, coveragePercent int, info PaymentInfo, now time.Time) ([]PaidItem, error) {
	if inv.Status == InvoiceStatusCancelled {
		return nil, ErrInvalidState
	}
	if len(newItems) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "must not be empty"}
	}
	for i := range newItems {
		if err := NormalizeItem(&newItems[i]); err != nil {
			return nil, err
		}
	}

	start := len(inv.Items)
	inv.Items = append(inv.Items, newItems...)

	var paidItems []PaidItem
	if insured {
		var covered int64
		var indices []int
		for i := start; i < len(inv.Items); i++ {
			item := &inv.Items[i]
			item.CoveredByInsurance = true
			item.InsuranceApproved = true
			covered += item.Total * int64(coveragePercent) / 100
			if coveragePercent >= 100 {
				item.Paid = true
				t := now
				item.PaidAt = &t
				item.PaymentID = info.PaymentID
				indices = append(indices, i)
				paidItems = append(paidItems, PaidItem{Index: i, Type: item.Type})
			}
		}
		if covered > 0 {
			if inv.Insurance != nil {
				inv.Insurance.CoverageAmount += covered
			}
			inv.Payments = append(inv.Payments, PaymentEntry{
				Amount:      covered,
				Method:      MethodInsurance,
				PaidBy:      info.PaidBy,
				PaidAt:      now,
				Reference:   info.Reference,
				Notes:       info.Notes,
				ItemIndices: indices,
			})
		}
	}

	inv.Recalculate()
	inv.Settle(now)
	return paidItems, nil
}

// ApplyInsuranceAutoCoverage covers every unpaid item at creation time for an
// insured patient. At 100% coverage this short-circuits the invoice straight
// to paid with a single insurance ledger entry.
func (inv *Invoice) ApplyInsuranceAutoCoverage(cov InsuranceCoverage, coveragePercent int, info PaymentInfo, now time.Time) (int64, []PaidItem, error) {
	if inv.Status == InvoiceStatusCancelled {
		return 0, nil, ErrInvalidState
	}
	inv.Recalculate()

	var covered int64
	var indices []int
	var paidItems []PaidItem
	for i := range inv.Items {
		item := &inv.Items[i]
		if item.Paid {
			continue
		}
		item.CoveredByInsurance = true
		item.InsuranceApproved = true
		covered += item.Total * int64(coveragePercent) / 100
		if coveragePercent >= 100 {
			item.Paid = true
			t := now
			item.PaidAt = &t
			item.PaymentID = info.PaymentID
			indices = append(indices, i)
			paidItems = append(paidItems, PaidItem{Index: i, Type: item.Type})
		}
	}

	if covered > 0 {
		inv.Payments = append(inv.Payments, PaymentEntry{
			Amount:      covered,
			Method:      MethodInsurance,
			PaidBy:      cov.ProviderName,
			PaidAt:      now,
			Reference:   info.Reference,
			Notes:       info.Notes,
			ItemIndices: indices,
		})
	}

	cov.CoverageAmount = covered
	cov.Status = CoverageStatusApproved
	inv.Insurance = &cov

	inv.Settle(now)
	return covered, paidItems, nil
}

// Refund appends a negative ledger entry and re-settles. It is a ledger-only
// adjustment: the originally paid items stay marked paid.
func (inv *Invoice) Refund(amount int64, method PaymentMethod, paidBy, reason, reference string, now time.Time) error {
	if inv.Status == InvoiceStatusCancelled {
		return ErrInvalidState
	}
	if amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	inv.Settle(now)
	if amount > inv.AmountPaid {
		return &ValidationError{Field: "amount", Reason: "refund exceeds amount paid"}
	}

	inv.Payments = append(inv.Payments, PaymentEntry{
		Amount:    -amount,
		Method:    method,
		PaidBy:    paidBy,
		PaidAt:    now,
		Reference: reference,
		Notes:     reason,
	})

	inv.Settle(now)
	return nil
}

// Cancel marks the invoice terminally cancelled. Cancellation is a status,
// not a deletion; the document and its ledger remain for audit.
func (inv *Invoice) Cancel(reason string, now time.Time) error {
	if inv.Status == InvoiceStatusCancelled {
		return ErrInvalidState
	}
	inv.Status = InvoiceStatusCancelled
	inv.CancelReason = reason
	inv.UpdatedAt = now
	return nil
}
