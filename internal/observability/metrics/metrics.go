// Package metrics exposes prometheus instrumentation for billing activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	InvoicesCreated  *prometheus.CounterVec
	PaymentsApplied  *prometheus.CounterVec
	PaymentAmount    *prometheus.CounterVec
	RefundsApplied   prometheus.Counter
	ClaimsProcessed  prometheus.Counter
	OverdueSwept     prometheus.Counter
	SettleConflicts  prometheus.Counter
	JobDuration      *prometheus.HistogramVec
	JobErrors        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvoicesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_invoices_created_total",
			Help: "Invoices created, labelled by settlement path.",
		}, []string{"path"}),
		PaymentsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_payments_applied_total",
			Help: "Payment ledger entries applied, labelled by method.",
		}, []string{"method"}),
		PaymentAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_payment_amount_total",
			Help: "Total minor units applied, labelled by method.",
		}, []string{"method"}),
		RefundsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_refunds_total",
			Help: "Refund ledger entries applied.",
		}),
		ClaimsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_insurance_claims_total",
			Help: "Insurance claims processed.",
		}),
		OverdueSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_overdue_swept_total",
			Help: "Invoices flipped to overdue by the sweep.",
		}),
		SettleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_settle_version_conflicts_total",
			Help: "Optimistic version conflicts detected during invoice mutation.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Scheduler job durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		JobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_errors_total",
			Help: "Scheduler job errors.",
		}, []string{"job"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.InvoicesCreated,
			m.PaymentsApplied,
			m.PaymentAmount,
			m.RefundsApplied,
			m.ClaimsProcessed,
			m.OverdueSwept,
			m.SettleConflicts,
			m.JobDuration,
			m.JobErrors,
		)
	}
	return m
}
