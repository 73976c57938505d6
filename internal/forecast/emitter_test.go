package forecast

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hassett-logistics/lanecast/internal/aggregate"
	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/confidence"
	"github.com/hassett-logistics/lanecast/internal/ledger"
	"github.com/hassett-logistics/lanecast/internal/metrics"
	"github.com/hassett-logistics/lanecast/internal/routing"
)

func testRoute() api.Route {
	return api.Route{ODC: "LAX", DDC: "DDC1", ProductType: "GROUND", DayOfWeek: 2}
}

func fixed(id string, value float64) Provider {
	return NewProviderFunc(id, func(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error) {
		return value, nil
	})
}

type emitterFixture struct {
	emitter *Emitter
	table   *routing.MemoryTable
	store   *ledger.MemoryStore
}

func newEmitterFixture(t *testing.T, blend BlendFunc) *emitterFixture {
	t.Helper()
	params := api.DefaultTrackerParams()
	store := ledger.NewMemoryStore(params, "")
	agg, err := aggregate.NewAggregator(store, params)
	if err != nil {
		t.Fatalf("NewAggregator failed: %v", err)
	}

	reg := NewRegistry()
	reg.Register(fixed("model_a", 200))
	reg.Register(fixed("model_default", 120))

	table := routing.NewMemoryTable()
	emitter := NewEmitter(reg, agg, table, confidence.NewClassifier(params), blend, params, "model_default")
	return &emitterFixture{emitter: emitter, table: table, store: store}
}

func (f *emitterFixture) publish(t *testing.T, entry api.RoutingEntry) {
	t.Helper()
	_, err := f.table.Publish(context.Background(), &routing.Snapshot{
		Period:  api.Period{Week: 20, Year: 2026},
		Entries: map[string]api.RoutingEntry{entry.Route.Key(): entry},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestEmitHighConfidenceOutlook(t *testing.T) {
	f := newEmitterFixture(t, nil)
	route := testRoute()
	f.publish(t, api.RoutingEntry{
		Route:              route,
		AssignedModelID:    "model_a",
		HistoricalErrorPct: 7.5,
		Confidence:         api.TierHigh,
	})

	from := api.Period{Week: 21, Year: 2026}
	records, err := f.emitter.Emit(context.Background(), route, nil, from, 6)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("Expected 6 records, got %d", len(records))
	}

	// Week 1: the 7.5% historical error tightens the band below the HIGH cap.
	first := records[0]
	if first.ModelID != "model_a" {
		t.Errorf("Expected assigned model, got %s", first.ModelID)
	}
	if first.Forecast != 200 {
		t.Errorf("Expected forecast 200, got %f", first.Forecast)
	}
	if math.Abs(first.VariancePct-7.5) > 1e-9 {
		t.Errorf("Expected week-1 variance 7.5, got %f", first.VariancePct)
	}
	if math.Abs(first.VariancePieces-15) > 1e-9 {
		t.Errorf("Expected 15 variance pieces, got %f", first.VariancePieces)
	}
	if math.Abs(first.ForecastLow-185) > 1e-9 || math.Abs(first.ForecastHigh-215) > 1e-9 {
		t.Errorf("Expected interval [185, 215], got [%f, %f]", first.ForecastLow, first.ForecastHigh)
	}

	// Week 6 doubles the band: 7.5 * (1 + 0.2*5) = 15.
	last := records[5]
	if last.WeeksAhead != 6 {
		t.Errorf("Expected weeks ahead 6, got %d", last.WeeksAhead)
	}
	if math.Abs(last.VariancePct-15) > 1e-9 {
		t.Errorf("Expected week-6 variance 15, got %f", last.VariancePct)
	}
	if last.Period != (api.Period{Week: 26, Year: 2026}) {
		t.Errorf("Expected target 2026-W26, got %v", last.Period)
	}

	// The interval always contains the point forecast.
	for _, rec := range records {
		if rec.Forecast < rec.ForecastLow || rec.Forecast > rec.ForecastHigh {
			t.Errorf("Week %d forecast %f outside [%f, %f]", rec.WeeksAhead, rec.Forecast, rec.ForecastLow, rec.ForecastHigh)
		}
	}
}

func TestEmitLowConfidenceUsesBlend(t *testing.T) {
	blend := func(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (float64, string, error) {
		return 14.0, "ENSEMBLE_3", nil
	}
	f := newEmitterFixture(t, blend)
	route := testRoute()

	// The blend path reads the rollup, so the route needs ledger history.
	f.store.Record(context.Background(), route, api.Period{Week: 20, Year: 2026}, "model_a", 180, 100)
	f.publish(t, api.RoutingEntry{
		Route:              route,
		AssignedModelID:    "model_a",
		HistoricalErrorPct: 80,
		Confidence:         api.TierLow,
	})

	records, err := f.emitter.Emit(context.Background(), route, nil, api.Period{Week: 21, Year: 2026}, 1)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if records[0].ModelID != "ENSEMBLE_3" {
		t.Errorf("Expected ensemble model id, got %s", records[0].ModelID)
	}
	if records[0].Forecast != 14.0 {
		t.Errorf("Expected blended forecast 14.0, got %f", records[0].Forecast)
	}
	if records[0].VariancePct != 50 {
		t.Errorf("Expected LOW tier variance 50, got %f", records[0].VariancePct)
	}
}

func TestEmitBlendFallsBackToAssigned(t *testing.T) {
	blend := func(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (float64, string, error) {
		return 0, "", ErrNoBlend
	}
	f := newEmitterFixture(t, blend)
	route := testRoute()
	f.store.Record(context.Background(), route, api.Period{Week: 20, Year: 2026}, "model_a", 180, 100)
	f.publish(t, api.RoutingEntry{
		Route:              route,
		AssignedModelID:    "model_a",
		HistoricalErrorPct: 80,
		Confidence:         api.TierLow,
	})

	records, err := f.emitter.Emit(context.Background(), route, nil, api.Period{Week: 21, Year: 2026}, 1)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if records[0].ModelID != "model_a" {
		t.Errorf("Expected fallback to assigned model, got %s", records[0].ModelID)
	}
	if records[0].Forecast != 200 {
		t.Errorf("Expected assigned model forecast 200, got %f", records[0].Forecast)
	}
}

func TestEmitBlendHardFailure(t *testing.T) {
	blend := func(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (float64, string, error) {
		return 0, "", fmt.Errorf("redis connection refused")
	}
	f := newEmitterFixture(t, blend)
	route := testRoute()
	f.store.Record(context.Background(), route, api.Period{Week: 20, Year: 2026}, "model_a", 180, 100)
	f.publish(t, api.RoutingEntry{
		Route:              route,
		AssignedModelID:    "model_a",
		HistoricalErrorPct: 80,
		Confidence:         api.TierLow,
	})

	if _, err := f.emitter.Emit(context.Background(), route, nil, api.Period{Week: 21, Year: 2026}, 1); err == nil {
		t.Error("Expected hard blend failure to surface")
	}
}

func TestEmitUnassignedRoute(t *testing.T) {
	f := newEmitterFixture(t, nil)

	records, err := f.emitter.Emit(context.Background(), testRoute(), nil, api.Period{Week: 21, Year: 2026}, 1)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if records[0].ModelID != "model_default" {
		t.Errorf("Expected default model for unassigned route, got %s", records[0].ModelID)
	}
	if records[0].Confidence != api.TierNewRoute {
		t.Errorf("Expected NEW_ROUTE tier, got %s", records[0].Confidence)
	}
	if records[0].VariancePct != 100 {
		t.Errorf("Expected new-route variance 100, got %f", records[0].VariancePct)
	}
}

func TestEmitClampsNegativeForecast(t *testing.T) {
	f := newEmitterFixture(t, nil)
	f.emitter.registry.Register(fixed("model_neg", -10))
	route := testRoute()
	f.publish(t, api.RoutingEntry{
		Route:              route,
		AssignedModelID:    "model_neg",
		HistoricalErrorPct: 7.5,
		Confidence:         api.TierHigh,
	})

	records, err := f.emitter.Emit(context.Background(), route, nil, api.Period{Week: 21, Year: 2026}, 2)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	for _, rec := range records {
		if rec.Forecast != 0 {
			t.Errorf("Expected negative forecast clamped to 0, got %f", rec.Forecast)
		}
		if rec.ForecastLow != 0 || rec.ForecastHigh != 0 {
			t.Errorf("Expected interval [0, 0], got [%f, %f]", rec.ForecastLow, rec.ForecastHigh)
		}
		if rec.ForecastLow > rec.Forecast || rec.Forecast > rec.ForecastHigh {
			t.Errorf("Forecast %f outside [%f, %f]", rec.Forecast, rec.ForecastLow, rec.ForecastHigh)
		}
	}
}

func TestEmitRejectsNonFiniteForecast(t *testing.T) {
	f := newEmitterFixture(t, nil)
	f.emitter.registry.Register(fixed("model_nan", math.NaN()))
	f.emitter.registry.Register(fixed("model_inf", math.Inf(1)))
	route := testRoute()

	for _, modelID := range []string{"model_nan", "model_inf"} {
		f.publish(t, api.RoutingEntry{
			Route:              route,
			AssignedModelID:    modelID,
			HistoricalErrorPct: 7.5,
			Confidence:         api.TierHigh,
		})
		if _, err := f.emitter.Emit(context.Background(), route, nil, api.Period{Week: 21, Year: 2026}, 1); err == nil {
			t.Errorf("Expected %s output to be rejected", modelID)
		}
	}
}

func TestEmitCountsBlendOutcomes(t *testing.T) {
	blend := func(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (float64, string, error) {
		return 14.0, "ENSEMBLE_3", nil
	}
	f := newEmitterFixture(t, blend)
	m := metrics.NewWith(prometheus.NewRegistry())
	f.emitter.WithMetrics(m)

	route := testRoute()
	f.store.Record(context.Background(), route, api.Period{Week: 20, Year: 2026}, "model_a", 180, 100)
	f.publish(t, api.RoutingEntry{
		Route:              route,
		AssignedModelID:    "model_a",
		HistoricalErrorPct: 80,
		Confidence:         api.TierLow,
	})

	if _, err := f.emitter.Emit(context.Background(), route, nil, api.Period{Week: 21, Year: 2026}, 3); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if got := testutil.ToFloat64(m.EnsembleBlends); got != 3 {
		t.Errorf("Expected 3 blends counted, got %f", got)
	}
	if got := testutil.ToFloat64(m.EnsembleFallback); got != 0 {
		t.Errorf("Expected 0 fallbacks counted, got %f", got)
	}

	// Same route, blend exhausted: every week counts as a fallback.
	f.emitter.blend = func(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (float64, string, error) {
		return 0, "", ErrNoBlend
	}
	if _, err := f.emitter.Emit(context.Background(), route, nil, api.Period{Week: 21, Year: 2026}, 2); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if got := testutil.ToFloat64(m.EnsembleFallback); got != 2 {
		t.Errorf("Expected 2 fallbacks counted, got %f", got)
	}
}

func TestEmitRejectsBadWeeks(t *testing.T) {
	f := newEmitterFixture(t, nil)
	if _, err := f.emitter.Emit(context.Background(), testRoute(), nil, api.Period{Week: 21, Year: 2026}, 0); err == nil {
		t.Error("Expected error for zero weeks")
	}
}

func TestRegistryDuplicateAndLookup(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(fixed("m", 1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(fixed("m", 2)); err == nil {
		t.Error("Expected duplicate id to be rejected")
	}
	if err := reg.Register(fixed("", 1)); err == nil {
		t.Error("Expected empty id to be rejected")
	}

	reg.Register(fixed("a", 1))
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "m" {
		t.Errorf("Expected sorted ids [a m], got %v", ids)
	}

	reg.Deregister("m")
	if _, ok := reg.Get("m"); ok {
		t.Error("Expected deregistered provider to be gone")
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 provider after deregister, got %d", reg.Len())
	}
	reg.Deregister("missing")
}
