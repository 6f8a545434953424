package audit

import (
	"go.uber.org/fx"

	"github.com/Johnson1425-ux/segese-backend/internal/audit/service"
)

var Module = fx.Module("audit.service",
	fx.Provide(service.NewService),
)
