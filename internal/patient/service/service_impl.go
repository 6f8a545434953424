package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	patientdomain "github.com/Johnson1425-ux/segese-backend/internal/patient/domain"
	"github.com/Johnson1425-ux/segese-backend/pkg/repository"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	patients repository.Repository[patientdomain.Patient]
}

func NewService(p Params) patientdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("patient.service"),
		genID: p.GenID,
		clock: p.Clock,

		patients: repository.ProvideStore[patientdomain.Patient](p.DB),
	}
}

func (s *Service) FindByID(ctx context.Context, id snowflake.ID) (*patientdomain.Patient, error) {
	patient, err := s.patients.FindOne(ctx, &patientdomain.Patient{ID: id})
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, patientdomain.ErrPatientNotFound
	}
	return patient, nil
}

// ResolveInsurance resolves the patient's provider reference. A legacy raw
// name is matched case-insensitively against known providers and the stable
// reference is persisted back onto the patient record.
func (s *Service) ResolveInsurance(ctx context.Context, patient *patientdomain.Patient) (*patientdomain.InsuranceProvider, error) {
	if patient == nil || !patient.Insured() {
		return nil, nil
	}

	if patient.InsuranceProviderID != nil {
		return s.FindProviderByID(ctx, *patient.InsuranceProviderID)
	}

	name := strings.TrimSpace(patient.InsuranceProviderName)
	provider, err := s.findProviderByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		known, listErr := s.ListProviderNames(ctx)
		if listErr != nil {
			s.log.Warn("failed to list providers for error detail", zap.Error(listErr))
		}
		return nil, &billingdomain.ProviderNotFoundError{Name: name, Known: known}
	}

	patient.InsuranceProviderID = &provider.ID
	patient.UpdatedAt = s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&patientdomain.Patient{}).
		Where("id = ?", patient.ID).
		Updates(map[string]any{
			"insurance_provider_id": provider.ID,
			"updated_at":            patient.UpdatedAt,
		}).Error; err != nil {
		return nil, err
	}
	s.log.Info("migrated legacy insurance provider name to reference",
		zap.String("patient_id", patient.ID.String()),
		zap.String("provider", provider.Name),
	)
	return provider, nil
}

func (s *Service) FindProviderByID(ctx context.Context, id snowflake.ID) (*patientdomain.InsuranceProvider, error) {
	var provider patientdomain.InsuranceProvider
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&provider).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, billingdomain.ErrProviderNotFound
		}
		return nil, err
	}
	return &provider, nil
}

func (s *Service) findProviderByName(ctx context.Context, name string) (*patientdomain.InsuranceProvider, error) {
	if name == "" {
		return nil, nil
	}
	var provider patientdomain.InsuranceProvider
	err := s.db.WithContext(ctx).
		Where("LOWER(name) = LOWER(?)", name).
		First(&provider).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &provider, nil
}

// FindOrCreateProviderByName inserts the provider when missing; a concurrent
// insert is resolved by the unique name index and a re-fetch of the winner.
func (s *Service) FindOrCreateProviderByName(ctx context.Context, name string) (*patientdomain.InsuranceProvider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &billingdomain.ValidationError{Field: "provider.name", Reason: "must not be empty"}
	}

	provider, err := s.findProviderByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		return provider, nil
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO insurance_providers (id, name, code, electronic_submission, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		s.genID.Generate(),
		name,
		"",
		false,
		now,
	).Error; err != nil {
		return nil, err
	}

	provider, err = s.findProviderByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, billingdomain.ErrProviderNotFound
	}
	return provider, nil
}

func (s *Service) ListProviderNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&patientdomain.InsuranceProvider{}).
		Order("name").
		Pluck("name", &names).Error
	return names, err
}

func (s *Service) CoveragePercent(ctx context.Context, providerID snowflake.ID, planCode, itemType string) (int, error) {
	var rule patientdomain.CoverageRule
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND plan_code = ? AND item_type = ?", providerID, planCode, itemType).
		First(&rule).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return -1, nil
		}
		return 0, err
	}
	return rule.Percent, nil
}
