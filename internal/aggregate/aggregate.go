// Package aggregate turns raw ledger records into per-model rolling
// performance statistics over a route's recent periods.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/cache"
	"github.com/hassett-logistics/lanecast/internal/ledger"
)

// ModelStats is one model's rolling performance on one route.
type ModelStats struct {
	ModelID        string  `json:"model_id"`
	MeanAbsErrPct  float64 `json:"mean_abs_error_pct"`
	MeanErrPct     float64 `json:"mean_error_pct"` // signed, exposes over/under-forecast bias
	CoveredPeriods int     `json:"covered_periods"`
}

// RouteAggregate is the full rolling view of one route. Models is sorted best
// first (lowest mean absolute error, model id breaking ties), and contains
// only models with at least one covered period. An empty Models slice means
// the route has no ledger history.
type RouteAggregate struct {
	Route   api.Route    `json:"route"`
	Anchor  api.Period   `json:"anchor"` // route's most recent ledger period
	Periods int          `json:"periods"`
	Models  []ModelStats `json:"models"`
}

// HasHistory reports whether any model has recorded outcomes for the route.
func (a *RouteAggregate) HasHistory() bool {
	return len(a.Models) > 0
}

// Best returns the top-ranked model.
func (a *RouteAggregate) Best() (ModelStats, bool) {
	if len(a.Models) == 0 {
		return ModelStats{}, false
	}
	return a.Models[0], true
}

// Model looks up stats for a specific model id.
func (a *RouteAggregate) Model(modelID string) (ModelStats, bool) {
	for _, m := range a.Models {
		if m.ModelID == modelID {
			return m, true
		}
	}
	return ModelStats{}, false
}

// Top returns up to n best-ranked models.
func (a *RouteAggregate) Top(n int) []ModelStats {
	if n > len(a.Models) {
		n = len(a.Models)
	}
	return a.Models[:n]
}

// Aggregator computes route aggregates from the ledger, memoizing results
// keyed by route and anchor period so repeated reads within a cycle hit the
// store once per route.
type Aggregator struct {
	store  ledger.Store
	params api.TrackerParams
	memo   *cache.Memo[string, *RouteAggregate]
}

// NewAggregator wires an aggregator to a ledger store.
func NewAggregator(store ledger.Store, params api.TrackerParams) (*Aggregator, error) {
	memo, err := cache.NewMemo[string, *RouteAggregate](params.AggregateCacheSize, 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate cache: %w", err)
	}
	return &Aggregator{store: store, params: params, memo: memo}, nil
}

// Aggregate returns rolling per-model stats for the route's most recent
// lookback periods. A route with no ledger rows returns an aggregate with no
// models, which classifies as a new route downstream.
func (g *Aggregator) Aggregate(ctx context.Context, route api.Route) (*RouteAggregate, error) {
	anchor, ok, err := g.store.LatestPeriod(ctx, route)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve anchor period: %w", err)
	}
	if !ok {
		return &RouteAggregate{Route: route}, nil
	}

	// The anchor in the key makes stale memo entries unreachable once a new
	// period lands for the route.
	memoKey := route.Key() + "@" + anchor.String()
	if agg, hit := g.memo.Get(memoKey); hit {
		return agg, nil
	}

	records, err := g.store.Window(ctx, route, g.params.LookbackPeriods)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger window: %w", err)
	}

	agg := buildAggregate(route, anchor, records)
	g.memo.Set(memoKey, agg)
	return agg, nil
}

// Invalidate drops any memoized aggregate for the route.
func (g *Aggregator) Invalidate(route api.Route, anchor api.Period) {
	g.memo.Invalidate(route.Key() + "@" + anchor.String())
}

// Reset clears the memo. Called when a new evaluation batch is recorded.
func (g *Aggregator) Reset() {
	g.memo.Purge()
}

// CacheStats exposes memo hit/miss counters.
func (g *Aggregator) CacheStats() (hits, misses uint64) {
	return g.memo.Stats()
}

func buildAggregate(route api.Route, anchor api.Period, records []api.PerformanceRecord) *RouteAggregate {
	type acc struct {
		absSum  float64
		errSum  float64
		periods map[api.Period]bool
	}
	byModel := make(map[string]*acc)
	allPeriods := make(map[api.Period]bool)

	for _, rec := range records {
		a, ok := byModel[rec.ModelID]
		if !ok {
			a = &acc{periods: make(map[api.Period]bool)}
			byModel[rec.ModelID] = a
		}
		a.absSum += rec.AbsErrorPct
		a.errSum += rec.ErrorPct
		a.periods[rec.Period] = true
		allPeriods[rec.Period] = true
	}

	agg := &RouteAggregate{Route: route, Anchor: anchor, Periods: len(allPeriods)}
	for modelID, a := range byModel {
		n := float64(len(a.periods))
		agg.Models = append(agg.Models, ModelStats{
			ModelID:        modelID,
			MeanAbsErrPct:  a.absSum / n,
			MeanErrPct:     a.errSum / n,
			CoveredPeriods: len(a.periods),
		})
	}

	sort.Slice(agg.Models, func(i, j int) bool {
		if agg.Models[i].MeanAbsErrPct != agg.Models[j].MeanAbsErrPct {
			return agg.Models[i].MeanAbsErrPct < agg.Models[j].MeanAbsErrPct
		}
		return agg.Models[i].ModelID < agg.Models[j].ModelID
	})

	return agg
}
