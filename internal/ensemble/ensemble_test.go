package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/hassett-logistics/lanecast/internal/aggregate"
	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/forecast"
)

func testRoute() api.Route {
	return api.Route{ODC: "LAX", DDC: "DDC1", ProductType: "GROUND", DayOfWeek: 2}
}

func fixedProvider(id string, value float64) forecast.Provider {
	return forecast.NewProviderFunc(id, func(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error) {
		return value, nil
	})
}

func failingProvider(id string) forecast.Provider {
	return forecast.NewProviderFunc(id, func(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error) {
		return 0, fmt.Errorf("provider %s unavailable", id)
	})
}

// rollupOf builds a ranked aggregate where the listed models are ordered
// best-first.
func rollupOf(modelIDs ...string) *aggregate.RouteAggregate {
	r := &aggregate.RouteAggregate{Route: testRoute(), Anchor: api.Period{Week: 20, Year: 2026}, Periods: 4}
	for i, id := range modelIDs {
		r.Models = append(r.Models, aggregate.ModelStats{
			ModelID:        id,
			MeanAbsErrPct:  float64(10 * (i + 1)),
			CoveredPeriods: 4,
		})
	}
	return r
}

func TestBlendMeansTopModels(t *testing.T) {
	reg := forecast.NewRegistry()
	reg.Register(fixedProvider("a", 10))
	reg.Register(fixedProvider("b", 14))
	reg.Register(fixedProvider("c", 18))
	reg.Register(fixedProvider("d", 1000)) // ranked 4th, must not participate

	blender := NewBlender(reg, 3)
	blend, err := blender.Forecast(context.Background(), testRoute(), api.Period{Week: 21, Year: 2026}, nil, rollupOf("a", "b", "c", "d"))
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}

	if math.Abs(blend.Value-14.0) > 1e-9 {
		t.Errorf("Expected blend 14.0, got %f", blend.Value)
	}
	if len(blend.Members) != 3 {
		t.Errorf("Expected 3 members, got %v", blend.Members)
	}
}

func TestBlendDropsFailedMember(t *testing.T) {
	reg := forecast.NewRegistry()
	reg.Register(fixedProvider("a", 10))
	reg.Register(failingProvider("b"))
	reg.Register(fixedProvider("c", 20))

	blender := NewBlender(reg, 3)
	blend, err := blender.Forecast(context.Background(), testRoute(), api.Period{Week: 21, Year: 2026}, nil, rollupOf("a", "b", "c"))
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}

	// Mean of the two survivors, not sum/3.
	if math.Abs(blend.Value-15.0) > 1e-9 {
		t.Errorf("Expected blend 15.0 from survivors, got %f", blend.Value)
	}
	if len(blend.Members) != 2 {
		t.Errorf("Expected 2 members, got %v", blend.Members)
	}
}

func TestBlendDropsNonFiniteValues(t *testing.T) {
	reg := forecast.NewRegistry()
	reg.Register(fixedProvider("a", math.NaN()))
	reg.Register(fixedProvider("b", math.Inf(1)))
	reg.Register(fixedProvider("c", 30))

	blender := NewBlender(reg, 3)
	blend, err := blender.Forecast(context.Background(), testRoute(), api.Period{Week: 21, Year: 2026}, nil, rollupOf("a", "b", "c"))
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if blend.Value != 30 {
		t.Errorf("Expected only finite member 30, got %f", blend.Value)
	}
}

func TestBlendAllMembersFail(t *testing.T) {
	reg := forecast.NewRegistry()
	reg.Register(failingProvider("a"))
	reg.Register(failingProvider("b"))

	blender := NewBlender(reg, 3)
	_, err := blender.Forecast(context.Background(), testRoute(), api.Period{Week: 21, Year: 2026}, nil, rollupOf("a", "b"))
	if !errors.Is(err, ErrNoMembers) {
		t.Errorf("Expected ErrNoMembers, got %v", err)
	}
}

func TestBlendEmptyRollup(t *testing.T) {
	blender := NewBlender(forecast.NewRegistry(), 3)
	_, err := blender.Forecast(context.Background(), testRoute(), api.Period{Week: 21, Year: 2026}, nil, rollupOf())
	if !errors.Is(err, ErrNoMembers) {
		t.Errorf("Expected ErrNoMembers for empty rollup, got %v", err)
	}
}

func TestBlendFewerModelsThanSize(t *testing.T) {
	reg := forecast.NewRegistry()
	reg.Register(fixedProvider("a", 10))
	reg.Register(fixedProvider("b", 20))

	blender := NewBlender(reg, 3)
	blend, err := blender.Forecast(context.Background(), testRoute(), api.Period{Week: 21, Year: 2026}, nil, rollupOf("a", "b"))
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if blend.Value != 15 {
		t.Errorf("Expected blend 15 from two models, got %f", blend.Value)
	}
}

func TestBlenderID(t *testing.T) {
	if got := NewBlender(forecast.NewRegistry(), 3).ID(); got != "ENSEMBLE_3" {
		t.Errorf("Expected ENSEMBLE_3, got %s", got)
	}
}
