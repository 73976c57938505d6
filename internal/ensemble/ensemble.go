// Package ensemble blends the top-ranked models for routes where no single
// model has earned trust.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/hassett-logistics/lanecast/internal/aggregate"
	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/forecast"
)

// ErrNoMembers is returned when every candidate member failed or produced an
// unusable value. The caller falls back to the route's assigned model.
var ErrNoMembers = errors.New("ensemble: no usable member forecasts")

// Blend is one ensemble forecast with the members that contributed to it.
type Blend struct {
	Value   float64  `json:"value"`
	Members []string `json:"members"`
}

// Blender averages the top-ranked models for a route. A member that errors
// or returns a non-finite value is dropped from the blend rather than
// poisoning it.
type Blender struct {
	registry *forecast.Registry
	size     int
}

func NewBlender(registry *forecast.Registry, size int) *Blender {
	if size < 1 {
		size = 1
	}
	return &Blender{registry: registry, size: size}
}

// ID is the model id recorded in the ledger for blended forecasts, so the
// ensemble competes in the rankings like any other model.
func (b *Blender) ID() string {
	return fmt.Sprintf("ENSEMBLE_%d", b.size)
}

// Forecast blends the route's top models by arithmetic mean.
func (b *Blender) Forecast(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (*Blend, error) {
	candidates := rollup.Top(b.size)
	if len(candidates) == 0 {
		return nil, ErrNoMembers
	}

	var sum float64
	var members []string
	for _, stats := range candidates {
		provider, ok := b.registry.Get(stats.ModelID)
		if !ok {
			continue
		}
		value, err := provider.Forecast(ctx, route, target, history)
		if err != nil {
			log.Printf("ensemble: member %s failed on %s: %v", stats.ModelID, route.Key(), err)
			continue
		}
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			log.Printf("ensemble: member %s returned unusable value %f on %s", stats.ModelID, value, route.Key())
			continue
		}
		sum += value
		members = append(members, stats.ModelID)
	}

	if len(members) == 0 {
		return nil, ErrNoMembers
	}

	return &Blend{
		Value:   sum / float64(len(members)),
		Members: members,
	}, nil
}
