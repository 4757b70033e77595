package apps

import (
	"zen/internal/api"
)

// Registry maps app names onto their lifecycle handlers. It is populated once
// at startup from the embedded catalog.
type Registry struct {
	handlers map[string]*Handler
}

// NewRegistry builds a handler for every catalog app.
func NewRegistry(deps Deps) *Registry {
	handlers := make(map[string]*Handler, len(deps.Catalog.All()))
	for _, m := range deps.Catalog.All() {
		handlers[m.Name] = &Handler{deps: deps, m: m}
	}
	return &Registry{handlers: handlers}
}

// Get returns the handler for an app name.
func (r *Registry) Get(name string) (*Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, api.NewUnknownAppError(name)
	}
	return h, nil
}

// Names returns every registered app name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
