package projector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	visitdomain "github.com/Johnson1425-ux/segese-backend/internal/visit/domain"
)

var projTestNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	return node
}

func TestPlanConsultationUnlocksUninsuredVisit(t *testing.T) {
	visit := &visitdomain.Visit{Status: visitdomain.VisitStatusPendingPayment}
	event := billingdomain.ItemsPaid{
		Items: []billingdomain.PaidItem{{Index: 0, Type: billingdomain.ItemTypeConsultation}},
	}

	decision := Plan(visit, nil, nil, nil, event)
	require.NotNil(t, decision.SetVisitStatus)
	require.Equal(t, visitdomain.VisitStatusInQueue, *decision.SetVisitStatus)
	require.True(t, decision.SetConsultationPaid)
}

func TestPlanConsultationIgnoredForInsuredPatient(t *testing.T) {
	visit := &visitdomain.Visit{Status: visitdomain.VisitStatusPendingPayment}
	event := billingdomain.ItemsPaid{
		PatientInsured: true,
		Items:          []billingdomain.PaidItem{{Index: 0, Type: billingdomain.ItemTypeConsultation}},
	}

	decision := Plan(visit, nil, nil, nil, event)
	require.True(t, decision.Empty())
}

func TestPlanConsultationIgnoredWhenVisitAlreadyInQueue(t *testing.T) {
	visit := &visitdomain.Visit{Status: visitdomain.VisitStatusInQueue}
	event := billingdomain.ItemsPaid{
		Items: []billingdomain.PaidItem{{Index: 0, Type: billingdomain.ItemTypeConsultation}},
	}

	decision := Plan(visit, nil, nil, nil, event)
	require.True(t, decision.Empty())
}

func TestPlanAdvancesNewestPendingOrdersCountMatched(t *testing.T) {
	node := newNode(t)
	visit := &visitdomain.Visit{ID: node.Generate(), Status: visitdomain.VisitStatusInQueue}

	older := visitdomain.LabOrder{ID: node.Generate(), Status: visitdomain.OrderStatusPendingPayment, CreatedAt: projTestNow}
	newest := visitdomain.LabOrder{ID: node.Generate(), Status: visitdomain.OrderStatusPendingPayment, CreatedAt: projTestNow.Add(time.Hour)}
	alreadyPending := visitdomain.LabOrder{ID: node.Generate(), Status: visitdomain.OrderStatusPending, CreatedAt: projTestNow.Add(2 * time.Hour)}

	event := billingdomain.ItemsPaid{
		Items: []billingdomain.PaidItem{{Index: 1, Type: billingdomain.ItemTypeLabTest}},
	}

	decision := Plan(visit, []visitdomain.LabOrder{older, newest, alreadyPending}, nil, nil, event)
	// One paid lab item advances exactly one order, the newest gated one.
	require.Equal(t, []snowflake.ID{newest.ID}, decision.AdvanceLabOrders)
}

func TestPlanCountExceedingGatedOrdersIsClamped(t *testing.T) {
	node := newNode(t)
	visit := &visitdomain.Visit{ID: node.Generate(), Status: visitdomain.VisitStatusInQueue}
	gated := visitdomain.Prescription{ID: node.Generate(), Status: visitdomain.OrderStatusPendingPayment, CreatedAt: projTestNow}

	event := billingdomain.ItemsPaid{
		Items: []billingdomain.PaidItem{
			{Index: 0, Type: billingdomain.ItemTypeMedication},
			{Index: 1, Type: billingdomain.ItemTypeMedication},
		},
	}

	decision := Plan(visit, nil, nil, []visitdomain.Prescription{gated}, event)
	require.Equal(t, []snowflake.ID{gated.ID}, decision.AdvancePrescriptions)
}

func setupProjectorDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:projector_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&visitdomain.Visit{},
		&visitdomain.LabOrder{},
		&visitdomain.RadiologyOrder{},
		&visitdomain.Prescription{},
	))
	return db
}

func TestHandleItemsPaidAppliesDecision(t *testing.T) {
	ctx := context.Background()
	db := setupProjectorDB(t)
	node := newNode(t)

	visit := visitdomain.Visit{
		ID:        node.Generate(),
		PatientID: node.Generate(),
		Status:    visitdomain.VisitStatusPendingPayment,
		CreatedAt: projTestNow,
		UpdatedAt: projTestNow,
	}
	require.NoError(t, db.Create(&visit).Error)

	lab := visitdomain.LabOrder{
		ID:        node.Generate(),
		VisitID:   visit.ID,
		TestName:  "CBC",
		Status:    visitdomain.OrderStatusPendingPayment,
		CreatedAt: projTestNow,
		UpdatedAt: projTestNow,
	}
	require.NoError(t, db.Create(&lab).Error)

	p := New(Params{DB: db, Log: zap.NewNop(), Clock: clock.NewFakeClock(projTestNow)})
	err := p.HandleItemsPaid(ctx, billingdomain.ItemsPaid{
		InvoiceID: node.Generate(),
		PatientID: visit.PatientID,
		VisitID:   &visit.ID,
		Items: []billingdomain.PaidItem{
			{Index: 0, Type: billingdomain.ItemTypeConsultation},
			{Index: 1, Type: billingdomain.ItemTypeLabTest},
		},
	})
	require.NoError(t, err)

	var gotVisit visitdomain.Visit
	require.NoError(t, db.First(&gotVisit, "id = ?", visit.ID).Error)
	require.Equal(t, visitdomain.VisitStatusInQueue, gotVisit.Status)
	require.True(t, gotVisit.ConsultationFeePaid)

	var gotLab visitdomain.LabOrder
	require.NoError(t, db.First(&gotLab, "id = ?", lab.ID).Error)
	require.Equal(t, visitdomain.OrderStatusPending, gotLab.Status)
}

func TestHandleItemsPaidMissingVisit(t *testing.T) {
	ctx := context.Background()
	db := setupProjectorDB(t)
	node := newNode(t)

	missing := node.Generate()
	p := New(Params{DB: db, Log: zap.NewNop(), Clock: clock.NewFakeClock(projTestNow)})
	err := p.HandleItemsPaid(ctx, billingdomain.ItemsPaid{
		VisitID: &missing,
		Items:   []billingdomain.PaidItem{{Index: 0, Type: billingdomain.ItemTypeConsultation}},
	})
	require.ErrorIs(t, err, billingdomain.ErrVisitNotFound)
}
