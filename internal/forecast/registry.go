// Package forecast defines the model provider contract and the registry the
// engine routes through.
package forecast

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hassett-logistics/lanecast/internal/api"
)

// Provider produces a point forecast for one route and target period.
//
// history is the route's observed volumes ordered most recent first. A
// provider that cannot produce a forecast for the inputs returns an error;
// the engine isolates the failure to that provider and route.
type Provider interface {
	ID() string
	Forecast(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc struct {
	id string
	fn func(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error)
}

func NewProviderFunc(id string, fn func(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error)) *ProviderFunc {
	return &ProviderFunc{id: id, fn: fn}
}

func (p *ProviderFunc) ID() string { return p.id }

func (p *ProviderFunc) Forecast(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error) {
	return p.fn(ctx, route, target, history)
}

// Registry holds the active provider set. Registration happens at startup,
// lookups happen concurrently from forecast workers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Duplicate ids are rejected so a misconfigured
// deployment fails at startup rather than silently shadowing a model.
func (r *Registry) Register(p Provider) error {
	if p.ID() == "" {
		return fmt.Errorf("provider id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// Deregister removes a provider, taking it out of ensemble candidacy and
// direct dispatch. Removing an unknown id is a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
