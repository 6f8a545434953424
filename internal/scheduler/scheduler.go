// Package scheduler runs the periodic billing maintenance jobs: the overdue
// sweep and the payment-record reconcile.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	"github.com/Johnson1425-ux/segese-backend/internal/observability/metrics"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	BillingSvc billingdomain.Service
	Config     Config           `optional:"true"`
	Metrics    *metrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	billingSvc billingdomain.Service
	metrics    *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.BillingSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		billingSvc: p.BillingSvc,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	if s.metrics != nil {
		s.metrics.JobErrors.WithLabelValues(name).Inc()
	}
	log.Error("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"overdue_sweep", s.isJobEnabled("overdue_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "overdue_sweep", 30*time.Second, s.OverdueSweepJob)
		}},
		{"payment_reconcile", s.isJobEnabled("payment_reconcile"), func(ctx context.Context) error {
			return s.runJob(ctx, "payment_reconcile", 30*time.Second, s.PaymentReconcileJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// OverdueSweepJob flips pending invoices past their due date to overdue.
func (s *Scheduler) OverdueSweepJob(ctx context.Context) error {
	count, err := s.billingSvc.CheckOverdueInvoices(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		s.log.Info("overdue sweep finished", zap.Int("flipped", count))
	}
	return nil
}

// PaymentReconcileJob replays ledgers of recently touched invoices into the
// payment_records mirror, repairing any best-effort writes that were lost.
func (s *Scheduler) PaymentReconcileJob(ctx context.Context) error {
	since := s.clock.Now().Add(-s.cfg.ReconcileLookback)

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&billingdomain.Invoice{}).
		Where("updated_at >= ?", since).
		Order("updated_at desc").
		Limit(s.cfg.BatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return err
	}

	repaired := 0
	for _, id := range ids {
		inserted, err := s.billingSvc.ReconcilePaymentRecords(ctx, id)
		if err != nil {
			if errors.Is(err, billingdomain.ErrInvoiceNotFound) {
				continue
			}
			return err
		}
		repaired += inserted
	}
	if repaired > 0 {
		s.log.Info("payment reconcile repaired records", zap.Int("inserted", repaired))
	}
	return nil
}
