package statement

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	appconfig "github.com/Johnson1425-ux/segese-backend/internal/config"
)

func TestFormatMoney(t *testing.T) {
	require.Equal(t, "0.00", FormatMoney(0))
	require.Equal(t, "150.00", FormatMoney(15000))
	require.Equal(t, "1500.05", FormatMoney(150005))
	require.Equal(t, "-12.34", FormatMoney(-1234))
}

func TestRenderProducesPDF(t *testing.T) {
	r := New(appconfig.Config{ClinicName: "Segese Test Clinic", ClinicAddress: "12 Hill Road"})

	pdf, err := r.Render(Data{
		InvoiceNumber: "INV-202603-00001",
		Status:        "partial",
		PatientName:   "Amina Okoye",
		IssueDate:     "2026-03-10",
		DueDate:       "2026-03-10",
		Items: []Line{
			{Description: "Consultation", Qty: 1, UnitPrice: "100.00", Amount: "100.00", Status: "Yes"},
			{Description: "CBC", Qty: 1, UnitPrice: "200.00", Amount: "200.00", Status: "No"},
		},
		Payments: []PaymentLine{
			{Date: "2026-03-10", Method: "cash", Reference: "PAY-1", Amount: "100.00"},
		},
		Subtotal:          "300.00",
		Discount:          "0.00",
		Tax:               "0.00",
		Total:             "300.00",
		AmountPaid:        "100.00",
		BalanceDue:        "200.00",
		InsuranceProvider: "Acme Health",
		CoverageAmount:    "0.00",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(pdf[:5]), "%PDF-"))
}
