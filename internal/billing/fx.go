package billing

import (
	"go.uber.org/fx"

	"github.com/Johnson1425-ux/segese-backend/internal/billing/service"
)

var Module = fx.Module("billing.service",
	fx.Provide(service.NewService),
)
