// Package models ships the builtin forecasting providers. They are cheap
// statistical methods over a route's weekly history; the routing engine
// learns per route which one to trust.
package models

import (
	"context"
	"sort"

	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/forecast"
)

// Config tunes the builtin providers.
type Config struct {
	// BaselineYearByProduct picks the reference year for the historical
	// baseline model, keyed by product type.
	BaselineYearByProduct map[string]int
	// DefaultBaselineYear applies to product types without an override.
	DefaultBaselineYear int
}

// DefaultConfig returns the production baseline years.
func DefaultConfig() Config {
	return Config{
		BaselineYearByProduct: map[string]int{"MAX": 2022},
		DefaultBaselineYear:   2024,
	}
}

// RegisterBuiltin adds every builtin provider to the registry.
func RegisterBuiltin(reg *forecast.Registry, cfg Config) error {
	providers := []forecast.Provider{
		newHistoricalBaseline(cfg),
		simple("recent_2w_avg", recent2wAvg),
		simple("recent_4w_avg", recent4wAvg),
		simple("recent_8w_avg", recent8wAvg),
		simple("trend_adjusted", trendAdjusted),
		simple("prior_week", priorWeek),
		simple("same_week_last_year", sameWeekLastYear),
		simple("week_specific_historical", weekSpecific),
		simple("exponential_smoothing", exponentialSmoothing),
		simple("probabilistic", probabilistic),
		simple("hybrid_week_blend", hybridWeekBlend),
		simple("median_recent", medianRecent),
		simple("weighted_recent_week", weightedRecentWeek),
	}
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

type modelFn func(target api.Period, history []api.Observation) float64

func simple(id string, fn modelFn) forecast.Provider {
	return forecast.NewProviderFunc(id, func(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error) {
		return fn(target, history), nil
	})
}

func newHistoricalBaseline(cfg Config) forecast.Provider {
	return forecast.NewProviderFunc("historical_baseline", func(ctx context.Context, route api.Route, target api.Period, history []api.Observation) (float64, error) {
		year, ok := cfg.BaselineYearByProduct[route.ProductType]
		if !ok {
			year = cfg.DefaultBaselineYear
		}
		v, _ := periodMean(history, api.Period{Week: target.Week, Year: year})
		return v, nil
	})
}

// headMean averages the n most recent observations, requiring all n.
func headMean(history []api.Observation, n int) (float64, bool) {
	if len(history) < n || n == 0 {
		return 0, false
	}
	var sum float64
	for _, obs := range history[:n] {
		sum += obs.Pieces
	}
	return sum / float64(n), true
}

func meanAll(history []api.Observation) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	var sum float64
	for _, obs := range history {
		sum += obs.Pieces
	}
	return sum / float64(len(history)), true
}

// weekMean averages observations in a given week number across years.
func weekMean(history []api.Observation, week int) (float64, int) {
	var sum float64
	n := 0
	for _, obs := range history {
		if obs.Period.Week == week {
			sum += obs.Pieces
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func periodMean(history []api.Observation, period api.Period) (float64, bool) {
	var sum float64
	n := 0
	for _, obs := range history {
		if obs.Period == period {
			sum += obs.Pieces
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func recent2wAvg(target api.Period, history []api.Observation) float64 {
	v, _ := headMean(history, 2)
	return v
}

func recent4wAvg(target api.Period, history []api.Observation) float64 {
	v, _ := headMean(history, 4)
	return v
}

func recent8wAvg(target api.Period, history []api.Observation) float64 {
	v, _ := headMean(history, 8)
	return v
}

// trendAdjusted scales the recent 4-week average by the ratio of recent to
// older volume, clamped to [0.5, 1.5] so one spike cannot double a forecast.
func trendAdjusted(target api.Period, history []api.Observation) float64 {
	if len(history) < 8 {
		v, _ := headMean(history, 4)
		return v
	}
	recent4, _ := headMean(history, 4)
	older4, _ := headMean(history[4:], 4)
	if older4 <= 0 {
		return recent4
	}
	factor := recent4 / older4
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.5 {
		factor = 1.5
	}
	return recent4 * factor
}

func priorWeek(target api.Period, history []api.Observation) float64 {
	v, _ := weekMean(history, target.AddWeeks(-1).Week)
	return v
}

func sameWeekLastYear(target api.Period, history []api.Observation) float64 {
	v, _ := periodMean(history, api.Period{Week: target.Week, Year: target.Year - 1})
	return v
}

// weekSpecific averages the target week number across years, requiring at
// least two occurrences before trusting the seasonal signal.
func weekSpecific(target api.Period, history []api.Observation) float64 {
	v, n := weekMean(history, target.Week)
	if n < 2 {
		return 0
	}
	return v
}

var smoothingWeights = [4]float64{0.4, 0.3, 0.2, 0.1}

func exponentialSmoothing(target api.Period, history []api.Observation) float64 {
	if len(history) < 4 {
		v, _ := meanAll(history)
		return v
	}
	var sum float64
	for i, w := range smoothingWeights {
		sum += history[i].Pieces * w
	}
	return sum
}

// probabilistic discounts the prior-week value by how often the route
// actually shipped over the last 12 weeks.
func probabilistic(target api.Period, history []api.Observation) float64 {
	prior, _ := weekMean(history, target.AddWeeks(-1).Week)
	n := len(history)
	if n > 12 {
		n = 12
	}
	return prior * float64(n) / 12.0
}

func hybridWeekBlend(target api.Period, history []api.Observation) float64 {
	weekAvg := weekSpecific(target, history)
	recentAvg := recent4wAvg(target, history)
	if weekAvg > 0 && recentAvg > 0 {
		return 0.7*weekAvg + 0.3*recentAvg
	}
	if weekAvg > 0 {
		return weekAvg
	}
	return recentAvg
}

func medianRecent(target api.Period, history []api.Observation) float64 {
	if len(history) < 4 {
		return 0
	}
	recent := make([]float64, 4)
	for i := 0; i < 4; i++ {
		recent[i] = history[i].Pieces
	}
	sort.Float64s(recent)
	return (recent[1] + recent[2]) / 2
}

func weightedRecentWeek(target api.Period, history []api.Observation) float64 {
	recent := recent4wAvg(target, history)
	weekAvg := weekSpecific(target, history)
	if recent > 0 && weekAvg > 0 {
		return 0.5*recent + 0.5*weekAvg
	}
	if recent > 0 {
		return recent
	}
	return weekAvg
}
