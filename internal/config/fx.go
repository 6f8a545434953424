package config

import (
	"go.uber.org/fx"

	"github.com/Johnson1425-ux/segese-backend/pkg/db"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewInsuranceConfigHolder),
	fx.Provide(func(cfg Config) db.Config { return cfg.DB }),
)
