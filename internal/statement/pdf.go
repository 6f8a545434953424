// Package statement renders printable invoice statements.
package statement

import (
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"

	appconfig "github.com/Johnson1425-ux/segese-backend/internal/config"
)

// Line is one rendered invoice item.
type Line struct {
	Description string
	Qty         int64
	UnitPrice   string
	Amount      string
	Status      string
}

// PaymentLine is one rendered ledger entry. Refunds carry a negative amount.
type PaymentLine struct {
	Date      string
	Method    string
	Reference string
	Amount    string
}

// Data is everything the statement template needs, pre-formatted.
type Data struct {
	InvoiceNumber string
	Status        string
	PatientName   string
	IssueDate     string
	DueDate       string

	Items    []Line
	Payments []PaymentLine

	Subtotal   string
	Discount   string
	Tax        string
	Total      string
	AmountPaid string
	BalanceDue string

	InsuranceProvider string
	CoverageAmount    string
}

type Renderer struct {
	clinicName    string
	clinicAddress string
}

func New(cfg appconfig.Config) *Renderer {
	return &Renderer{
		clinicName:    cfg.ClinicName,
		clinicAddress: cfg.ClinicAddress,
	}
}

// FormatMoney renders minor units as a decimal string, e.g. 150000 -> "1500.00".
func FormatMoney(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (r *Renderer) Render(data Data) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, r.clinicName, props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "Statement", props.Text{
			Size:  14,
			Align: align.Right,
		}),
	)

	m.AddRow(16,
		col.New(6).Add(
			text.New("Invoice number: "+data.InvoiceNumber, props.Text{Top: 0}),
			text.New("Issued: "+data.IssueDate, props.Text{Top: 4}),
			text.New("Due: "+data.DueDate, props.Text{Top: 8}),
			text.New("Status: "+data.Status, props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New("Patient", props.Text{Style: fontstyle.Bold}),
			text.New(data.PatientName, props.Text{Top: 4}),
			text.New(r.clinicAddress, props.Text{Top: 8}),
		),
	)

	m.AddRow(8,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(1, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(1, "Paid", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, item := range data.Items {
		m.AddRow(7,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(1, fmt.Sprintf("%d", item.Qty), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.UnitPrice, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Amount, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(1, item.Status, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(6, col.New(12))
	m.AddRow(6,
		col.New(8),
		text.NewCol(2, "Subtotal", props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, data.Subtotal, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(6,
		col.New(8),
		text.NewCol(2, "Discount", props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, data.Discount, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(6,
		col.New(8),
		text.NewCol(2, "Tax", props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, data.Tax, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(2, data.Total, props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}),
	)
	m.AddRow(6,
		col.New(8),
		text.NewCol(2, "Paid", props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, data.AmountPaid, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, "Balance due", props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(2, data.BalanceDue, props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}),
	)

	if data.InsuranceProvider != "" {
		m.AddRow(10,
			text.NewCol(12,
				fmt.Sprintf("Insurance: %s, covered %s", data.InsuranceProvider, data.CoverageAmount),
				props.Text{Size: 9, Top: 3}),
		)
	}

	if len(data.Payments) > 0 {
		m.AddRow(10,
			text.NewCol(12, "Payment history", props.Text{Style: fontstyle.Bold, Size: 10, Top: 3}),
		)
		m.AddRow(6,
			text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.NewCol(3, "Method", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.NewCol(4, "Reference", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		)
		for _, entry := range data.Payments {
			m.AddRow(6,
				text.NewCol(3, entry.Date, props.Text{Size: 9}),
				text.NewCol(3, entry.Method, props.Text{Size: 9}),
				text.NewCol(4, entry.Reference, props.Text{Size: 9}),
				text.NewCol(2, entry.Amount, props.Text{Size: 9, Align: align.Right}),
			)
		}
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
