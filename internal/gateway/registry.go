package gateway

import "strings"

// Registry resolves payment adapters by method name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: map[string]Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		method := strings.ToLower(strings.TrimSpace(adapter.Method()))
		if method == "" {
			continue
		}
		registry.adapters[method] = adapter
	}
	return registry
}

func (r *Registry) Adapter(method string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(method))]
	return adapter, ok
}
