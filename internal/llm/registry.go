package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps model names to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b under its model name. The first backend registered
// serves requests that name no model.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Model()] = b
	if r.fallback == "" {
		r.fallback = b.Model()
	}
}

// Lookup returns the backend for model, or the default one when model is empty.
func (r *Registry) Lookup(model string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model == "" {
		model = r.fallback
	}
	b, ok := r.backends[model]
	if !ok {
		return nil, fmt.Errorf("%w: no backend for model %q", ErrUnavailable, model)
	}
	return b, nil
}

// Default is the backend used when a caller does not name a model.
func (r *Registry) Default() (Backend, error) {
	return r.Lookup("")
}

func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for m := range r.backends {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
