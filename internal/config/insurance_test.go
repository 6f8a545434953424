package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoveragePercentDefaults(t *testing.T) {
	cfg := DefaultInsuranceConfig()
	require.Equal(t, 100, cfg.CoveragePercent("Acme Health", "GOLD"))
}

func TestCoveragePercentProviderOverride(t *testing.T) {
	cfg := InsuranceConfig{
		DefaultCoveragePercent: 100,
		ProviderOverrides: []PlanCoverage{
			{Provider: "Acme Health", PlanCode: "GOLD", Percent: 80},
			{Provider: "Acme Health", Percent: 50},
		},
	}

	require.Equal(t, 80, cfg.CoveragePercent("acme health", "gold"))
	// Plan-less override matches any plan of the provider.
	require.Equal(t, 50, cfg.CoveragePercent("Acme Health", "SILVER"))
	require.Equal(t, 100, cfg.CoveragePercent("Other Mutual", "GOLD"))
}

func TestValidateInsuranceConfig(t *testing.T) {
	require.Error(t, validateInsuranceConfig(InsuranceConfig{DefaultCoveragePercent: 120}))
	require.Error(t, validateInsuranceConfig(InsuranceConfig{
		DefaultCoveragePercent: 100,
		ProviderOverrides:      []PlanCoverage{{Provider: "", Percent: 50}},
	}))
	require.Error(t, validateInsuranceConfig(InsuranceConfig{
		DefaultCoveragePercent: 100,
		ProviderOverrides:      []PlanCoverage{{Provider: "Acme", Percent: 101}},
	}))
	require.NoError(t, validateInsuranceConfig(DefaultInsuranceConfig()))
}

func TestStaticHolderServesFixedConfig(t *testing.T) {
	holder := NewStaticInsuranceConfigHolder(InsuranceConfig{DefaultCoveragePercent: 70})
	require.Equal(t, 70, holder.Get().DefaultCoveragePercent)
}
