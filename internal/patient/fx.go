package patient

import (
	"go.uber.org/fx"

	"github.com/Johnson1425-ux/segese-backend/internal/patient/service"
)

var Module = fx.Module("patient.service",
	fx.Provide(service.NewService),
)
