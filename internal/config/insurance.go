package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// InsuranceConfig controls how insurance auto-coverage is applied.
// Coverage is expressed as an integer percentage of each item's total.
type InsuranceConfig struct {
	DefaultCoveragePercent int            `mapstructure:"defaultCoveragePercent"`
	ProviderOverrides      []PlanCoverage `mapstructure:"providerOverrides"`
}

// PlanCoverage overrides the coverage percentage for one provider plan.
type PlanCoverage struct {
	Provider string `mapstructure:"provider"`
	PlanCode string `mapstructure:"planCode"`
	Percent  int    `mapstructure:"percent"`
}

func DefaultInsuranceConfig() InsuranceConfig {
	return InsuranceConfig{
		DefaultCoveragePercent: 100,
	}
}

// CoveragePercent resolves the configured percentage for a provider plan.
func (c InsuranceConfig) CoveragePercent(provider, planCode string) int {
	for _, override := range c.ProviderOverrides {
		if !strings.EqualFold(override.Provider, provider) {
			continue
		}
		if override.PlanCode != "" && !strings.EqualFold(override.PlanCode, planCode) {
			continue
		}
		return override.Percent
	}
	return c.DefaultCoveragePercent
}

// InsuranceConfigHolder keeps the active config and hot-reloads it on change.
type InsuranceConfigHolder struct {
	current atomic.Value // holds InsuranceConfig
}

func NewInsuranceConfigHolder() (*InsuranceConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("insurance")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/segese/config")
	v.AddConfigPath("/etc/segese")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SEGESE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultInsuranceConfig()
		v.SetDefault("insurance.defaultCoveragePercent", defaults.DefaultCoveragePercent)
	}

	var cfg InsuranceConfig
	if err := v.UnmarshalKey("insurance", &cfg); err != nil {
		return nil, err
	}
	if err := validateInsuranceConfig(cfg); err != nil {
		return nil, err
	}

	holder := &InsuranceConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated InsuranceConfig
		if err := v.UnmarshalKey("insurance", &updated); err != nil {
			log.Printf("[insurance-config] reload failed: %v", err)
			return
		}
		if err := validateInsuranceConfig(updated); err != nil {
			log.Printf("[insurance-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[insurance-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticInsuranceConfigHolder wraps a fixed config, used by tests.
func NewStaticInsuranceConfigHolder(cfg InsuranceConfig) *InsuranceConfigHolder {
	holder := &InsuranceConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *InsuranceConfigHolder) Get() InsuranceConfig {
	return h.current.Load().(InsuranceConfig)
}

func validateInsuranceConfig(cfg InsuranceConfig) error {
	if cfg.DefaultCoveragePercent < 0 || cfg.DefaultCoveragePercent > 100 {
		return errors.New("insurance.defaultCoveragePercent must be between 0 and 100")
	}
	for _, override := range cfg.ProviderOverrides {
		if override.Percent < 0 || override.Percent > 100 {
			return errors.New("insurance.providerOverrides percent must be between 0 and 100")
		}
		if strings.TrimSpace(override.Provider) == "" {
			return errors.New("insurance.providerOverrides provider cannot be empty")
		}
	}
	return nil
}
