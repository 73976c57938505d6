package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/hassett-logistics/lanecast/internal/aggregate"
	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/confidence"
	"github.com/hassett-logistics/lanecast/internal/metrics"
	"github.com/hassett-logistics/lanecast/internal/routing"
)

// ErrNoBlend signals that a blend function could not produce a value and the
// emitter should fall back to the route's assigned model.
var ErrNoBlend = errors.New("forecast: blend unavailable")

// BlendFunc produces a blended forecast for low-confidence routes. It returns
// the blend value and the model id to stamp on the emitted record.
type BlendFunc func(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate) (float64, string, error)

// Emitter produces the multi-week forecast outlook for a route: point
// forecasts from the route's assigned model (or the ensemble for
// low-confidence routes), wrapped in prediction intervals that widen with
// the horizon.
type Emitter struct {
	registry     *Registry
	agg          *aggregate.Aggregator
	table        routing.Table
	classifier   *confidence.Classifier
	blend        BlendFunc // nil disables ensemble fallback
	params       api.TrackerParams
	defaultModel string
	metrics      *metrics.Metrics
}

func NewEmitter(registry *Registry, agg *aggregate.Aggregator, table routing.Table, classifier *confidence.Classifier, blend BlendFunc, params api.TrackerParams, defaultModel string) *Emitter {
	return &Emitter{
		registry:     registry,
		agg:          agg,
		table:        table,
		classifier:   classifier,
		blend:        blend,
		params:       params,
		defaultModel: defaultModel,
	}
}

// WithMetrics enables blend/fallback instrumentation.
func (e *Emitter) WithMetrics(m *metrics.Metrics) *Emitter {
	e.metrics = m
	return e
}

// Emit produces weeks point forecasts starting at the from period. history is
// the route's observed volumes, most recent first.
func (e *Emitter) Emit(ctx context.Context, route api.Route, history []api.Observation, from api.Period, weeks int) ([]api.ForecastRecord, error) {
	if weeks < 1 {
		return nil, fmt.Errorf("weeks must be >= 1, got %d", weeks)
	}

	entry, assigned, err := e.table.Lookup(ctx, route)
	if err != nil {
		return nil, fmt.Errorf("failed to look up routing entry: %w", err)
	}

	tier := api.TierNewRoute
	modelID := e.defaultModel
	hasHistory := false
	historicalErr := 0.0
	if assigned {
		tier = entry.Confidence
		modelID = entry.AssignedModelID
		hasHistory = tier != api.TierNewRoute
		historicalErr = entry.HistoricalErrorPct
	}

	verdict := e.classifier.Assess(historicalErr, hasHistory)
	baseVariance := verdict.VariancePct

	provider, ok := e.registry.Get(modelID)
	if !ok {
		return nil, fmt.Errorf("assigned model %q is not registered", modelID)
	}

	var rollup *aggregate.RouteAggregate
	if tier == api.TierLow && e.blend != nil {
		rollup, err = e.agg.Aggregate(ctx, route)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate for blend: %w", err)
		}
	}

	records := make([]api.ForecastRecord, 0, weeks)
	for w := 1; w <= weeks; w++ {
		target := from.AddWeeks(w - 1)

		value, emittedModel, err := e.pointForecast(ctx, route, target, history, rollup, provider, modelID)
		if err != nil {
			return nil, err
		}

		variancePct := e.classifier.ScaleHorizon(baseVariance, w)
		low, high := confidence.Interval(value, variancePct)

		records = append(records, api.ForecastRecord{
			Route:          route,
			Period:         target,
			WeeksAhead:     w,
			Forecast:       value,
			ForecastLow:    low,
			ForecastHigh:   high,
			VariancePieces: value * variancePct / 100.0,
			VariancePct:    variancePct,
			ModelID:        emittedModel,
			Confidence:     tier,
		})
	}

	return records, nil
}

// pointForecast resolves one target period's value, preferring the blend for
// low-confidence routes and falling back to the assigned model.
func (e *Emitter) pointForecast(ctx context.Context, route api.Route, target api.Period, history []api.Observation, rollup *aggregate.RouteAggregate, provider Provider, modelID string) (float64, string, error) {
	if rollup != nil {
		value, blendID, err := e.blend(ctx, route, target, history, rollup)
		if err == nil {
			if e.metrics != nil {
				e.metrics.EnsembleBlends.Inc()
			}
			return value, blendID, nil
		}
		if !errors.Is(err, ErrNoBlend) {
			return 0, "", fmt.Errorf("blend failed for %s: %w", route.Key(), err)
		}
		if e.metrics != nil {
			e.metrics.EnsembleFallback.Inc()
		}
		log.Printf("forecast: blend unavailable for %s, using assigned model %s", route.Key(), modelID)
	}

	value, err := provider.Forecast(ctx, route, target, history)
	if err != nil {
		return 0, "", fmt.Errorf("model %s failed for %s: %w", modelID, route.Key(), err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, "", fmt.Errorf("model %s returned a non-finite forecast for %s", modelID, route.Key())
	}
	// Pieces cannot go negative. Clamp rather than fail so a model that
	// projects a dying lane below zero still yields a usable floor.
	if value < 0 {
		value = 0
	}
	return value, modelID, nil
}
