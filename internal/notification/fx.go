package notification

import (
	"go.uber.org/fx"

	"github.com/Johnson1425-ux/segese-backend/internal/notification/service"
)

var Module = fx.Module("notification.service",
	fx.Provide(service.NewService),
)
