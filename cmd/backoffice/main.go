package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Johnson1425-ux/segese-backend/internal/audit"
	"github.com/Johnson1425-ux/segese-backend/internal/billing"
	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/clock"
	"github.com/Johnson1425-ux/segese-backend/internal/config"
	"github.com/Johnson1425-ux/segese-backend/internal/gateway"
	"github.com/Johnson1425-ux/segese-backend/internal/gateway/offline"
	"github.com/Johnson1425-ux/segese-backend/internal/migration"
	"github.com/Johnson1425-ux/segese-backend/internal/notification"
	"github.com/Johnson1425-ux/segese-backend/internal/observability"
	"github.com/Johnson1425-ux/segese-backend/internal/patient"
	"github.com/Johnson1425-ux/segese-backend/internal/scheduler"
	"github.com/Johnson1425-ux/segese-backend/internal/statement"
	"github.com/Johnson1425-ux/segese-backend/internal/visit"
	"github.com/Johnson1425-ux/segese-backend/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Payment capabilities; offline adapters serve standalone deployments.
		fx.Provide(
			fx.Annotate(offline.NewCard, fx.ResultTags(`group:"gateway_adapters"`)),
			fx.Annotate(offline.NewOnline, fx.ResultTags(`group:"gateway_adapters"`)),
			offline.NewClaimSubmitter,
		),
		gateway.Module,

		// Domains
		patient.Module,
		visit.Module,
		audit.Module,
		notification.Module,
		statement.Module,
		billing.Module,
		scheduler.Module,

		fx.Invoke(ServeMetrics),
		fx.Invoke(func(billingdomain.Service) {}),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// ServeMetrics exposes prometheus metrics on a sidecar listener.
func ServeMetrics(lc fx.Lifecycle, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":9102", Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics listener failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
