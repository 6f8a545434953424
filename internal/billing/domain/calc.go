package domain

// Money is handled in integer minor units so repeated recalculation is exact.
// Percentage discount/tax values are integer percent.

// ComputeItemTotal derives a line's total from its raw fields. Pure and
// idempotent: the stored Total is never an input.
func ComputeItemTotal(item InvoiceItem) int64 {
	subtotal := item.Quantity * item.UnitPrice

	discount := item.Discount
	if item.DiscountType == AmountPercentage {
		discount = subtotal * item.Discount / 100
	}
	afterDiscount := subtotal - discount

	tax := item.Tax
	if item.TaxType == AmountPercentage {
		tax = afterDiscount * item.Tax / 100
	}

	return afterDiscount + tax
}

// Totals aggregates invoice-level amounts.
type Totals struct {
	Subtotal      int64
	TotalDiscount int64
	TotalTax      int64
	TotalAmount   int64
}

// ComputeTotals sums per-item pre-discount subtotal, discount and tax.
// TotalAmount = Subtotal - TotalDiscount + TotalTax.
func ComputeTotals(items []InvoiceItem) Totals {
	var t Totals
	for _, item := range items {
		subtotal := item.Quantity * item.UnitPrice

		discount := item.Discount
		if item.DiscountType == AmountPercentage {
			discount = subtotal * item.Discount / 100
		}
		afterDiscount := subtotal - discount

		tax := item.Tax
		if item.TaxType == AmountPercentage {
			tax = afterDiscount * item.Tax / 100
		}

		t.Subtotal += subtotal
		t.TotalDiscount += discount
		t.TotalTax += tax
	}
	t.TotalAmount = t.Subtotal - t.TotalDiscount + t.TotalTax
	return t
}

// Recalculate refreshes every item total and the cached aggregate totals from
// the current in-memory snapshot.
func (inv *Invoice) Recalculate() {
	for i := range inv.Items {
		inv.Items[i].Total = ComputeItemTotal(inv.Items[i])
	}
	totals := ComputeTotals(inv.Items)
	inv.Subtotal = totals.Subtotal
	inv.TotalDiscount = totals.TotalDiscount
	inv.TotalTax = totals.TotalTax
	inv.TotalAmount = totals.TotalAmount
}
