package gateway

import (
	"go.uber.org/fx"
)

type RegistryParams struct {
	fx.In

	Adapters []Adapter `group:"gateway_adapters"`
}

// Module wires the adapter registry from the "gateway_adapters" group.
// Standalone deployments register the offline adapters from cmd;
// processor-backed adapters replace them there.
var Module = fx.Module("gateway",
	fx.Provide(func(p RegistryParams) *Registry {
		return NewRegistry(p.Adapters...)
	}),
)
