package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Johnson1425-ux/segese-backend/internal/config"
	"github.com/Johnson1425-ux/segese-backend/internal/observability/logger"
	"github.com/Johnson1425-ux/segese-backend/internal/observability/metrics"
)

var Module = fx.Module("observability",
	fx.Provide(func(cfg config.Config) logger.Config {
		return logger.Config{
			ServiceName: cfg.AppName,
			Environment: cfg.Environment,
			Version:     cfg.AppVersion,
			Level:       cfg.LogLevel,
			Format:      cfg.LogFormat,
		}
	}),
	fx.Provide(func(lc fx.Lifecycle, cfg logger.Config) (*zap.Logger, error) {
		return logger.New(lc, cfg)
	}),
	fx.Provide(func() prometheus.Registerer { return prometheus.DefaultRegisterer }),
	fx.Provide(metrics.New),
)
