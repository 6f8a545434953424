package visit

import (
	"go.uber.org/fx"

	billingdomain "github.com/Johnson1425-ux/segese-backend/internal/billing/domain"
	"github.com/Johnson1425-ux/segese-backend/internal/visit/projector"
)

var Module = fx.Module("visit",
	fx.Provide(projector.New),
	fx.Provide(func(p *projector.Projector) billingdomain.ItemsPaidHandler { return p }),
)
