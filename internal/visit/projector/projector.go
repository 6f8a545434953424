// Package projector translates billing events into visit and clinical-order
// status changes. It is the only component permitted to mutate visit.status
// or per-order statuses as a consequence of payment.
package projector

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	visitdomain "github.com/Johnson1425-ux/segese-backend/internal/visit/domain"
)

// Decision is the pure output of Plan: which rows to touch and how.
type Decision struct {
	SetVisitStatus         *visitdomain.VisitStatus
	SetConsultationPaid    bool
	AdvanceLabOrders       []snowflake.ID
	AdvanceRadiologyOrders []snowflake.ID
	AdvancePrescriptions   []snowflake.ID
}

// Empty reports whether the decision changes nothing.
func (d Decision) Empty() bool {
	return d.SetVisitStatus == nil && !d.SetConsultationPaid &&
		len(d.AdvanceLabOrders) == 0 && len(d.AdvanceRadiologyOrders) == 0 &&
		len(d.AdvancePrescriptions) == 0
}

// Plan derives the visit-side consequences of an ItemsPaid event.
//
// Rule 1: a paid consultation item for an uninsured patient moves a visit
// waiting on payment into the queue.
//
// Rule 2: for each clinical item type, exactly as many matching orders are
// advanced from "Pending Payment" to "Pending" as there were paid items of
// that type, newest first. The count match keeps an unrelated pending order
// from being unlocked by an unrelated payment.
func Plan(
	visit *visitdomain.Visit,
	labs []visitdomain.LabOrder,
	radiology []visitdomain.RadiologyOrder,
	prescriptions []visitdomain.Prescription,
	event billingdomain.ItemsPaid,
) Decision {
	var decision Decision
	if visit == nil || len(event.Items) == 0 {
		return decision
	}

	counts := map[billingdomain.ItemType]int{}
	for _, item := range event.Items {
		counts[item.Type]++
	}

	if counts[billingdomain.ItemTypeConsultation] > 0 &&
		!event.PatientInsured &&
		visit.Status == visitdomain.VisitStatusPendingPayment {
		status := visitdomain.VisitStatusInQueue
		decision.SetVisitStatus = &status
		decision.SetConsultationPaid = true
	}

	decision.AdvanceLabOrders = pickNewest(
		counts[billingdomain.ItemTypeLabTest],
		len(labs),
		func(i int) (snowflake.ID, visitdomain.OrderStatus, time.Time) {
			return labs[i].ID, labs[i].Status, labs[i].CreatedAt
		},
	)
	decision.AdvanceRadiologyOrders = pickNewest(
		counts[billingdomain.ItemTypeImaging],
		len(radiology),
		func(i int) (snowflake.ID, visitdomain.OrderStatus, time.Time) {
			return radiology[i].ID, radiology[i].Status, radiology[i].CreatedAt
		},
	)
	decision.AdvancePrescriptions = pickNewest(
		counts[billingdomain.ItemTypeMedication],
		len(prescriptions),
		func(i int) (snowflake.ID, visitdomain.OrderStatus, time.Time) {
			return prescriptions[i].ID, prescriptions[i].Status, prescriptions[i].CreatedAt
		},
	)

	return decision
}

type candidate struct {
	id        snowflake.ID
	createdAt time.Time
}

func pickNewest(count, total int, at func(int) (snowflake.ID, visitdomain.OrderStatus, time.Time)) []snowflake.ID {
	if count <= 0 || total == 0 {
		return nil
	}
	candidates := make([]candidate, 0, total)
	for i := 0; i < total; i++ {
		id, status, createdAt := at(i)
		if status != visitdomain.OrderStatusPendingPayment {
			continue
		}
		candidates = append(candidates, candidate{id: id, createdAt: createdAt})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		if !candidates[a].createdAt.Equal(candidates[b].createdAt) {
			return candidates[a].createdAt.After(candidates[b].createdAt)
		}
		return candidates[a].id > candidates[b].id
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	ids := make([]snowflake.ID, count)
	for i := 0; i < count; i++ {
		ids[i] = candidates[i].id
	}
	return ids
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

// Projector loads the visit snapshot, plans and applies the decision. The
// visit is a separately locked resource updated after the invoice commit;
// re-running the projection against current invoice state is always safe.
type Projector struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) *Projector {
	return &Projector{
		db:    p.DB,
		log:   p.Log.Named("visit.projector"),
		clock: p.Clock,
	}
}

// HandleItemsPaid implements billingdomain.ItemsPaidHandler.
func (p *Projector) HandleItemsPaid(ctx context.Context, event billingdomain.ItemsPaid) error {
	if event.VisitID == nil || len(event.Items) == 0 {
		return nil
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var visit visitdomain.Visit
		if err := tx.Where("id = ?", *event.VisitID).First(&visit).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return billingdomain.ErrVisitNotFound
			}
			return err
		}

		var labs []visitdomain.LabOrder
		if err := tx.Where("visit_id = ?", visit.ID).Find(&labs).Error; err != nil {
			return err
		}
		var radiology []visitdomain.RadiologyOrder
		if err := tx.Where("visit_id = ?", visit.ID).Find(&radiology).Error; err != nil {
			return err
		}
		var prescriptions []visitdomain.Prescription
		if err := tx.Where("visit_id = ?", visit.ID).Find(&prescriptions).Error; err != nil {
			return err
		}

		decision := Plan(&visit, labs, radiology, prescriptions, event)
		if decision.Empty() {
			return nil
		}
		return p.apply(tx, &visit, decision)
	})
}

func (p *Projector) apply(tx *gorm.DB, visit *visitdomain.Visit, decision Decision) error {
	now := p.clock.Now()

	if decision.SetVisitStatus != nil || decision.SetConsultationPaid {
		updates := map[string]any{"updated_at": now}
		if decision.SetVisitStatus != nil {
			updates["status"] = *decision.SetVisitStatus
		}
		if decision.SetConsultationPaid {
			updates["consultation_fee_paid"] = true
		}
		if err := tx.Model(&visitdomain.Visit{}).
			Where("id = ?", visit.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		p.log.Info("visit status advanced",
			zap.String("visit_id", visit.ID.String()),
		)
	}

	if err := advanceOrders(tx, &visitdomain.LabOrder{}, decision.AdvanceLabOrders, now); err != nil {
		return err
	}
	if err := advanceOrders(tx, &visitdomain.RadiologyOrder{}, decision.AdvanceRadiologyOrders, now); err != nil {
		return err
	}
	if err := advanceOrders(tx, &visitdomain.Prescription{}, decision.AdvancePrescriptions, now); err != nil {
		return err
	}
	return nil
}

func advanceOrders(tx *gorm.DB, model any, ids []snowflake.ID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(model).
		Where("id IN ? AND status = ?", ids, visitdomain.OrderStatusPendingPayment).
		Updates(map[string]any{
			"status":     visitdomain.OrderStatusPending,
			"updated_at": now,
		}).Error
}
