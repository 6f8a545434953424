// Package domain contains patient and insurance master-data models.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Patient is the master-data record billing resolves against. The insurance
// provider may be stored two ways: a stable InsuranceProviderID, or a legacy
// raw name string migrated to a reference on first billing use.
type Patient struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	Name  string       `gorm:"type:text;not null"`
	Email string       `gorm:"type:text"`
	Phone string       `gorm:"type:text"`

	InsuranceProviderID   *snowflake.ID `gorm:"index"`
	InsuranceProviderName string        `gorm:"type:text"`
	InsurancePolicyNumber string        `gorm:"type:text"`
	InsurancePlanCode     string        `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Patient) TableName() string { return "patients" }

// Insured reports whether any insurance information is on file.
func (p *Patient) Insured() bool {
	return p.InsuranceProviderID != nil || strings.TrimSpace(p.InsuranceProviderName) != ""
}

// InsuranceProvider is referenced by patients and invoice coverage blocks.
type InsuranceProvider struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	Name                 string       `gorm:"type:text;not null;uniqueIndex:ux_provider_name"`
	Code                 string       `gorm:"type:text"`
	ElectronicSubmission bool         `gorm:"not null;default:false"`
	CreatedAt            time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (InsuranceProvider) TableName() string { return "insurance_providers" }

// CoverageRule maps (provider, plan, item type) to a coverage percentage
// consulted when a claim is adjudicated.
type CoverageRule struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	ProviderID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_coverage_rule,priority:1"`
	PlanCode   string       `gorm:"type:text;not null;uniqueIndex:ux_coverage_rule,priority:2"`
	ItemType   string       `gorm:"type:text;not null;uniqueIndex:ux_coverage_rule,priority:3"`
	Percent    int          `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (CoverageRule) TableName() string { return "provider_coverage_rules" }

// Service exposes the lookups the billing service consumes.
type Service interface {
	FindByID(ctx context.Context, id snowflake.ID) (*Patient, error)
	// ResolveInsurance returns the patient's provider, migrating a legacy
	// name string to a stable reference on first use. Returns nil when the
	// patient is uninsured.
	ResolveInsurance(ctx context.Context, patient *Patient) (*InsuranceProvider, error)
	FindOrCreateProviderByName(ctx context.Context, name string) (*InsuranceProvider, error)
	FindProviderByID(ctx context.Context, id snowflake.ID) (*InsuranceProvider, error)
	ListProviderNames(ctx context.Context) ([]string, error)
	// CoveragePercent returns the rule percentage for (provider, plan, item
	// type), or -1 when no rule exists.
	CoveragePercent(ctx context.Context, providerID snowflake.ID, planCode, itemType string) (int, error)
}

var ErrPatientNotFound = errors.New("patient_not_found")
