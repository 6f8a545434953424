package service_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	auditdomain "github.com/Johnson1425-ux/segese-backend/internal/audit/domain"
	auditservice "github.com/Johnson1425-ux/segese-backend/internal/audit/service"
	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	billingservice "github.com/Johnson1425-ux/segese-backend/internal/billing/service"
	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	"github.com/Johnson1425-ux/segese-backend/internal/config"
	"github.com/Johnson1425-ux/segese-backend/internal/gateway"
	"github.com/Johnson1425-ux/segese-backend/internal/gateway/offline"
	notifdomain "github.com/Johnson1425-ux/segese-backend/internal/notification/domain"
	notifservice "github.com/Johnson1425-ux/segese-backend/internal/notification/service"
	patientdomain "github.com/Johnson1425-ux/segese-backend/internal/patient/domain"
	patientservice "github.com/Johnson1425-ux/segese-backend/internal/patient/service"
	"github.com/Johnson1425-ux/segese-backend/internal/statement"
	visitdomain "github.com/Johnson1425-ux/segese-backend/internal/visit/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/visit/projector"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type env struct {
	db       *gorm.DB
	node     *snowflake.Node
	clk      *clock.FakeClock
	svc      billingdomain.Service
	patients patientdomain.Service
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	return setupEnvWithLogger(t, zap.NewNop())
}

func setupEnvWithLogger(t *testing.T, log *zap.Logger) *env {
	t.Helper()

	dsn := fmt.Sprintf("file:billing_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&billingdomain.Invoice{},
		&billingdomain.PaymentRecord{},
		&patientdomain.Patient{},
		&patientdomain.InsuranceProvider{},
		&patientdomain.CoverageRule{},
		&visitdomain.Visit{},
		&visitdomain.LabOrder{},
		&visitdomain.RadiologyOrder{},
		&visitdomain.Prescription{},
		&auditdomain.AuditLog{},
		&notifdomain.Notification{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)

	patientSvc := patientservice.NewService(patientservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	notifSvc := notifservice.NewService(notifservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	registry := gateway.NewRegistry(offline.NewCard(log), offline.NewOnline(log))
	proj := projector.New(projector.Params{DB: db, Log: log, Clock: clk})

	svc := billingservice.NewService(billingservice.Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Config:        config.Config{ClinicName: "Segese Test Clinic", SchedulerBatchSize: 50},
		Insurance:     config.NewStaticInsuranceConfigHolder(config.DefaultInsuranceConfig()),
		Patients:      patientSvc,
		Audit:         auditSvc,
		Notifications: notifSvc,
		Gateways:      registry,
		Renderer:      statement.New(config.Config{ClinicName: "Segese Test Clinic"}),
		Visits:        proj,
	})

	return &env{db: db, node: node, clk: clk, svc: svc, patients: patientSvc}
}

func (e *env) createPatient(t *testing.T, providerID *snowflake.ID, planCode string) *patientdomain.Patient {
	t.Helper()
	patient := &patientdomain.Patient{
		ID:                    e.node.Generate(),
		Name:                  "Amina Okoye",
		InsuranceProviderID:   providerID,
		InsurancePolicyNumber: "POL-1001",
		InsurancePlanCode:     planCode,
		CreatedAt:             testNow,
		UpdatedAt:             testNow,
	}
	require.NoError(t, e.db.Create(patient).Error)
	return patient
}

func (e *env) createProvider(t *testing.T, name string, electronic bool) *patientdomain.InsuranceProvider {
	t.Helper()
	provider := &patientdomain.InsuranceProvider{
		ID:                   e.node.Generate(),
		Name:                 name,
		ElectronicSubmission: electronic,
		CreatedAt:            testNow,
	}
	require.NoError(t, e.db.Create(provider).Error)
	return provider
}

func (e *env) createVisit(t *testing.T, patientID snowflake.ID) *visitdomain.Visit {
	t.Helper()
	visit := &visitdomain.Visit{
		ID:        e.node.Generate(),
		PatientID: patientID,
		Status:    visitdomain.VisitStatusPendingPayment,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, e.db.Create(visit).Error)
	return visit
}

func consultationAndLab() []billingdomain.InvoiceItem {
	return []billingdomain.InvoiceItem{
		{Type: billingdomain.ItemTypeConsultation, Description: "Consultation", Quantity: 1, UnitPrice: 10000},
		{Type: billingdomain.ItemTypeLabTest, Description: "CBC", Quantity: 1, UnitPrice: 20000},
	}
}

func TestCreateInvoiceUninsuredStaysPending(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")
	visit := e.createVisit(t, patient.ID)

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		VisitID:   &visit.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(inv.InvoiceNumber, "INV-202603-"))
	require.Equal(t, billingdomain.InvoiceStatusPending, inv.Status)
	require.Equal(t, int64(30000), inv.TotalAmount)
	require.Equal(t, int64(30000), inv.BalanceDue)

	var gotVisit visitdomain.Visit
	require.NoError(t, e.db.First(&gotVisit, "id = ?", visit.ID).Error)
	require.Equal(t, visitdomain.VisitStatusPendingPayment, gotVisit.Status)
	require.False(t, gotVisit.ConsultationFeePaid)
	require.NotNil(t, gotVisit.InvoiceID)
	require.Equal(t, inv.ID, *gotVisit.InvoiceID)
}

func TestCreateInvoiceDuplicateVisitReturnsExisting(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")
	visit := e.createVisit(t, patient.ID)

	first, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		VisitID:   &visit.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	second, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		VisitID:   &visit.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, e.db.Model(&billingdomain.Invoice{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestCreateInvoiceInsuredAutoSettles(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	provider := e.createProvider(t, "Acme Health", false)
	patient := e.createPatient(t, &provider.ID, "GOLD")
	visit := e.createVisit(t, patient.ID)

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		VisitID:   &visit.ID,
		Items: []billingdomain.InvoiceItem{
			{Type: billingdomain.ItemTypeConsultation, Description: "Consultation", Quantity: 1, UnitPrice: 50000},
		},
	}, "reception")
	require.NoError(t, err)

	require.Equal(t, billingdomain.InvoiceStatusPaid, inv.Status)
	require.Equal(t, int64(50000), inv.AmountPaid)
	require.Equal(t, int64(0), inv.BalanceDue)
	require.NotNil(t, inv.Insurance)
	require.Equal(t, int64(50000), inv.Insurance.CoverageAmount)
	require.Len(t, inv.Payments, 1)
	require.Equal(t, billingdomain.MethodInsurance, inv.Payments[0].Method)

	var gotVisit visitdomain.Visit
	require.NoError(t, e.db.First(&gotVisit, "id = ?", visit.ID).Error)
	require.Equal(t, visitdomain.VisitStatusInQueue, gotVisit.Status)
	require.True(t, gotVisit.ConsultationFeePaid)
}

func TestCreateInvoiceUnknownLegacyProviderRejected(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	e.createProvider(t, "Acme Health", false)

	patient := &patientdomain.Patient{
		ID:                    e.node.Generate(),
		Name:                  "Kwame Mensah",
		InsuranceProviderName: "Unknown Mutual",
		CreatedAt:             testNow,
		UpdatedAt:             testNow,
	}
	require.NoError(t, e.db.Create(patient).Error)

	_, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.ErrorIs(t, err, billingdomain.ErrProviderNotFound)

	// Registering the provider migrates the legacy name on the next attempt.
	_, err = e.patients.FindOrCreateProviderByName(ctx, "Unknown Mutual")
	require.NoError(t, err)

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)
	require.NotNil(t, inv.Insurance)
	require.Equal(t, "Unknown Mutual", inv.Insurance.ProviderName)

	var migrated patientdomain.Patient
	require.NoError(t, e.db.First(&migrated, "id = ?", patient.ID).Error)
	require.NotNil(t, migrated.InsuranceProviderID)
}

func TestPayItemsAdvancesVisitAndOrders(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")
	visit := e.createVisit(t, patient.ID)

	lab := &visitdomain.LabOrder{
		ID:        e.node.Generate(),
		VisitID:   visit.ID,
		TestName:  "CBC",
		Status:    visitdomain.OrderStatusPendingPayment,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, e.db.Create(lab).Error)

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		VisitID:   &visit.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	// Paying only the consultation unlocks the visit but not the lab order.
	inv, err = e.svc.PayItems(ctx, billingdomain.PayItemsRequest{
		InvoiceID:   inv.ID,
		ItemIndices: []int{0},
		Method:      billingdomain.MethodCash,
		PaidBy:      "cashier",
	}, "cashier")
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPartial, inv.Status)
	require.Equal(t, int64(20000), inv.BalanceDue)

	var gotVisit visitdomain.Visit
	require.NoError(t, e.db.First(&gotVisit, "id = ?", visit.ID).Error)
	require.Equal(t, visitdomain.VisitStatusInQueue, gotVisit.Status)
	require.True(t, gotVisit.ConsultationFeePaid)

	var gotLab visitdomain.LabOrder
	require.NoError(t, e.db.First(&gotLab, "id = ?", lab.ID).Error)
	require.Equal(t, visitdomain.OrderStatusPendingPayment, gotLab.Status)

	// Paying the lab item advances the gated order.
	inv, err = e.svc.PayItems(ctx, billingdomain.PayItemsRequest{
		InvoiceID:   inv.ID,
		ItemIndices: []int{1},
		Method:      billingdomain.MethodCash,
		PaidBy:      "cashier",
	}, "cashier")
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPaid, inv.Status)

	require.NoError(t, e.db.First(&gotLab, "id = ?", lab.ID).Error)
	require.Equal(t, visitdomain.OrderStatusPending, gotLab.Status)
}

func TestProcessPaymentCardRecordsTransaction(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items: []billingdomain.InvoiceItem{
			{Type: billingdomain.ItemTypeConsultation, Description: "Consultation", Quantity: 1, UnitPrice: 10000},
		},
	}, "reception")
	require.NoError(t, err)

	inv, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    10000,
		Method:    billingdomain.MethodCard,
		PaidBy:    "Amina Okoye",
	}, "cashier")
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPaid, inv.Status)
	require.Equal(t, int64(1), inv.Version)

	var record billingdomain.PaymentRecord
	require.NoError(t, e.db.First(&record, "invoice_id = ?", inv.ID).Error)
	require.Equal(t, int64(10000), record.Amount)
	require.True(t, strings.HasPrefix(record.TransactionID, "offline-"))
}

func TestProcessPaymentOverpaymentRejected(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	_, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    50000,
		Method:    billingdomain.MethodCash,
	}, "cashier")
	require.ErrorIs(t, err, billingdomain.ErrOverpayment)

	got, err := e.svc.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	require.Empty(t, got.Payments)
	require.Equal(t, billingdomain.InvoiceStatusPending, got.Status)
}

func TestProcessRefundRevertsToPartial(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items: []billingdomain.InvoiceItem{
			{Type: billingdomain.ItemTypeConsultation, Description: "Consultation", Quantity: 1, UnitPrice: 50000},
		},
	}, "reception")
	require.NoError(t, err)

	inv, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    50000,
		Method:    billingdomain.MethodCard,
	}, "cashier")
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPaid, inv.Status)

	var record billingdomain.PaymentRecord
	require.NoError(t, e.db.First(&record, "invoice_id = ?", inv.ID).Error)

	inv, err = e.svc.ProcessRefund(ctx, record.Reference, billingdomain.RefundRequest{
		Amount: 5000,
		Reason: "billing error",
	}, "supervisor")
	require.NoError(t, err)

	require.Equal(t, billingdomain.InvoiceStatusPartial, inv.Status)
	require.Equal(t, int64(45000), inv.AmountPaid)
	require.Equal(t, int64(5000), inv.BalanceDue)
	require.True(t, inv.Items[0].Paid)

	_, err = e.svc.ProcessRefund(ctx, "PAY-missing", billingdomain.RefundRequest{Amount: 100}, "supervisor")
	require.ErrorIs(t, err, billingdomain.ErrPaymentNotFound)
}

func TestProcessRefundFallsBackToLedgerWhenMirrorLost(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items: []billingdomain.InvoiceItem{
			{Type: billingdomain.ItemTypeConsultation, Description: "Consultation", Quantity: 1, UnitPrice: 50000},
		},
	}, "reception")
	require.NoError(t, err)

	inv, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    50000,
		Method:    billingdomain.MethodCash,
	}, "cashier")
	require.NoError(t, err)
	reference := inv.Payments[0].Reference

	// Drop the mirror row, as if the best-effort write had failed.
	require.NoError(t, e.db.Where("invoice_id = ?", inv.ID).Delete(&billingdomain.PaymentRecord{}).Error)

	refunded, err := e.svc.ProcessRefund(ctx, reference, billingdomain.RefundRequest{
		Amount: 5000,
		Reason: "billing error",
	}, "supervisor")
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPartial, refunded.Status)
	require.Equal(t, int64(45000), refunded.AmountPaid)

	// The fallback repairs the missing mirror row on the way through.
	var record billingdomain.PaymentRecord
	require.NoError(t, e.db.First(&record, "reference = ?", reference).Error)
	require.Equal(t, int64(50000), record.Amount)
}

func TestProcessRefundGatewayPaymentNeedsMirroredTransaction(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items: []billingdomain.InvoiceItem{
			{Type: billingdomain.ItemTypeConsultation, Description: "Consultation", Quantity: 1, UnitPrice: 50000},
		},
	}, "reception")
	require.NoError(t, err)

	inv, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    50000,
		Method:    billingdomain.MethodCard,
	}, "cashier")
	require.NoError(t, err)
	reference := inv.Payments[0].Reference

	// The external transaction reference lives only in the mirror; without it
	// a card payment cannot be reversed automatically.
	require.NoError(t, e.db.Where("invoice_id = ?", inv.ID).Delete(&billingdomain.PaymentRecord{}).Error)

	_, err = e.svc.ProcessRefund(ctx, reference, billingdomain.RefundRequest{
		Amount: 5000,
		Reason: "billing error",
	}, "supervisor")
	require.ErrorIs(t, err, billingdomain.ErrGateway)

	got, err := e.svc.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPaid, got.Status)
	require.Equal(t, int64(50000), got.AmountPaid)
}

func TestCreateInvoiceReturnsWinnerWhenRaceLost(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")
	visit := e.createVisit(t, patient.ID)

	competitor := &billingdomain.Invoice{
		ID:            e.node.Generate(),
		InvoiceNumber: "INV-202603-00099",
		PatientID:     patient.ID,
		VisitID:       &visit.ID,
		Items:         []billingdomain.InvoiceItem{},
		Payments:      []billingdomain.PaymentEntry{},
		Status:        billingdomain.InvoiceStatusPending,
		IssueDate:     testNow,
		DueDate:       testNow,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}

	// Slip the competing invoice in after the duplicate pre-check has seen an
	// empty table, so the insert itself hits the visit_id conflict.
	inserted := false
	require.NoError(t, e.db.Callback().Query().After("gorm:query").Register("billing_test_visit_race", func(db *gorm.DB) {
		if inserted || db.Statement.Table != "invoices" {
			return
		}
		inserted = true
		require.NoError(t, e.db.Session(&gorm.Session{NewDB: true}).Create(competitor).Error)
	}))

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		VisitID:   &visit.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)
	require.Equal(t, competitor.ID, inv.ID)
	require.Equal(t, "INV-202603-00099", inv.InvoiceNumber)

	var count int64
	require.NoError(t, e.db.Model(&billingdomain.Invoice{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestProcessPaymentRetriesAfterVersionConflict(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	// Bump the stored version between the service's read and its
	// version-checked write, so the first attempt loses and retries.
	bumped := false
	require.NoError(t, e.db.Callback().Update().Before("gorm:update").Register("billing_test_version_bump", func(db *gorm.DB) {
		if bumped || db.Statement.Table != "invoices" {
			return
		}
		bumped = true
		require.NoError(t, e.db.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE invoices SET version = version + 1 WHERE id = ?", inv.ID).Error)
	}))

	got, err := e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    30000,
		Method:    billingdomain.MethodCash,
	}, "cashier")
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPaid, got.Status)
	require.Len(t, got.Payments, 1)
	require.Equal(t, int64(2), got.Version)
}

func TestProcessPaymentLogsOrphanedChargeWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.ErrorLevel)
	e := setupEnvWithLogger(t, zap.New(core))
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	// Every version-checked write loses, exhausting the optimistic loop after
	// the card charge already went through.
	require.NoError(t, e.db.Callback().Update().Before("gorm:update").Register("billing_test_always_conflict", func(db *gorm.DB) {
		if db.Statement.Table != "invoices" {
			return
		}
		require.NoError(t, e.db.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE invoices SET version = version + 1 WHERE id = ?", inv.ID).Error)
	}))

	_, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    30000,
		Method:    billingdomain.MethodCard,
	}, "cashier")
	require.ErrorIs(t, err, billingdomain.ErrVersionConflict)

	entries := logs.FilterMessage("gateway charge not recorded locally, manual reversal required").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.True(t, strings.HasPrefix(fields["transaction_id"].(string), "offline-"))
}

func TestCheckOverdueInvoicesFlipsAndNotifies(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	e.clk.Advance(48 * time.Hour)

	count, err := e.svc.CheckOverdueInvoices(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := e.svc.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusOverdue, got.Status)

	var notifications int64
	require.NoError(t, e.db.Model(&notifdomain.Notification{}).
		Where("kind = ?", "invoice_overdue").Count(&notifications).Error)
	require.Equal(t, int64(1), notifications)

	// Already overdue invoices are not swept twice.
	count, err = e.svc.CheckOverdueInvoices(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestProcessInsuranceClaimAdjudicatesByRules(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	provider := e.createProvider(t, "Acme Health", false)
	patient := e.createPatient(t, &provider.ID, "GOLD")

	rule := &patientdomain.CoverageRule{
		ID:         e.node.Generate(),
		ProviderID: provider.ID,
		PlanCode:   "GOLD",
		ItemType:   string(billingdomain.ItemTypeConsultation),
		Percent:    80,
		CreatedAt:  testNow,
	}
	require.NoError(t, e.db.Create(rule).Error)

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items: []billingdomain.InvoiceItem{
			{Type: billingdomain.ItemTypeConsultation, Description: "Consultation", Quantity: 1, UnitPrice: 50000},
		},
	}, "reception")
	require.NoError(t, err)
	require.NotNil(t, inv.Insurance)

	inv, err = e.svc.ProcessInsuranceClaim(ctx, inv.ID, billingdomain.ClaimRequest{
		PolicyNumber: "POL-1001",
		PlanCode:     "GOLD",
	}, "billing")
	require.NoError(t, err)

	require.Equal(t, billingdomain.CoverageStatusSubmitted, inv.Insurance.Status)
	require.True(t, strings.HasPrefix(inv.Insurance.ClaimNumber, "CLM-"))
	require.Equal(t, int64(40000), inv.Insurance.CoverageAmount)
}

func TestCancelInvoiceIsTerminal(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	inv, err = e.svc.CancelInvoice(ctx, inv.ID, "created in error", "supervisor")
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusCancelled, inv.Status)
	require.Equal(t, "created in error", inv.CancelReason)

	_, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    1000,
		Method:    billingdomain.MethodCash,
	}, "cashier")
	require.ErrorIs(t, err, billingdomain.ErrInvalidState)
}

func TestGenerateStatementRendersPDF(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	pdf, err := e.svc.GenerateStatement(ctx, inv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, pdf)
	require.True(t, strings.HasPrefix(string(pdf[:5]), "%PDF-"))
}

func TestReconcilePaymentRecordsRebuildsMirror(t *testing.T) {
	ctx := context.Background()
	e := setupEnv(t)
	patient := e.createPatient(t, nil, "")

	inv, err := e.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		PatientID: patient.ID,
		Items:     consultationAndLab(),
	}, "reception")
	require.NoError(t, err)

	_, err = e.svc.ProcessPayment(ctx, billingdomain.PaymentRequest{
		InvoiceID: inv.ID,
		Amount:    30000,
		Method:    billingdomain.MethodCash,
	}, "cashier")
	require.NoError(t, err)

	require.NoError(t, e.db.Where("invoice_id = ?", inv.ID).Delete(&billingdomain.PaymentRecord{}).Error)

	inserted, err := e.svc.ReconcilePaymentRecords(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	// Reconcile is idempotent.
	inserted, err = e.svc.ReconcilePaymentRecords(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
}
